package grammar

import (
	"strconv"

	"github.com/ghettovoice/abnf"
)

func lit(s string) abnf.Operator {
	return abnf.Literal(strconv.Quote(s), []byte(s))
}

func rng(key string, lo, hi byte) abnf.Operator {
	return abnf.Range(key, []byte{lo}, []byte{hi})
}

// Core rules (RFC 5234 Appendix B).
var (
	digit  = rng("DIGIT", 0x30, 0x39)
	alpha  = abnf.Alt("ALPHA", rng("%x41-5A", 0x41, 0x5A), rng("%x61-7A", 0x61, 0x7A))
	hexdig = abnf.Alt("HEXDIG", digit, rng("%x41-46", 0x41, 0x46), rng("%x61-66", 0x61, 0x66))
	sp     = abnf.Literal("SP", []byte{0x20})
	htab   = abnf.Literal("HTAB", []byte{0x09})
	wsp    = abnf.Alt("WSP", sp, htab)
	dquote = abnf.Literal("DQUOTE", []byte{0x22})
)

// Folded lines are joined before parsing, so LWS never contains CRLF here.
var (
	lws = abnf.Repeat1Inf("LWS", wsp)
	sws = abnf.Repeat0Inf("SWS", wsp)

	slash = abnf.Concat("SLASH", sws, lit("/"), sws)
	colon = abnf.Concat("COLON", sws, lit(":"), sws)
	semi  = abnf.Concat("SEMI", sws, lit(";"), sws)
	equal = abnf.Concat("EQUAL", sws, lit("="), sws)
)

var (
	token = abnf.Repeat1Inf("token", abnf.Alt(
		`alphanum / "-" / "." / "!" / "%" / "*" / "_" / "+" / "`+"`"+`" / "'" / "~"`,
		alpha, digit,
		lit("-"), lit("."), lit("!"), lit("%"), lit("*"), lit("_"), lit("+"), lit("`"), lit("'"), lit("~"),
	))

	quotedString = abnf.Concat("quoted-string",
		dquote,
		abnf.Repeat0Inf("*(qdtext / quoted-pair)", abnf.Alt("qdtext / quoted-pair",
			abnf.Alt("qdtext", wsp, lit("!"), rng("%x23-5B", 0x23, 0x5B), rng("%x5D-7E", 0x5D, 0x7E), rng("UTF8-NONASCII", 0x80, 0xFF)),
			abnf.Concat("quoted-pair", lit(`\`), abnf.Alt("%x00-09 / %x0B-0C / %x0E-7F",
				rng("%x00-09", 0x00, 0x09), rng("%x0B-0C", 0x0B, 0x0C), rng("%x0E-7F", 0x0E, 0x7F),
			)),
		)),
		dquote,
	)

	method = abnf.Concat("Method", token)

	sipVersion = abnf.Concat("SIP-Version",
		lit("SIP"), lit("/"),
		abnf.Repeat1Inf("1*DIGIT", digit), lit("."), abnf.Repeat1Inf("1*DIGIT", digit),
	)
)

// Request-URI is any run of visible characters; URI syntax is left to the transaction user.
var (
	requestURI  = abnf.Repeat1Inf("Request-URI", rng("%x21-FF", 0x21, 0xFF))
	requestLine = abnf.Concat("Request-Line", method, sp, requestURI, sp, sipVersion)

	statusCode   = abnf.RepeatN("Status-Code", 3, digit)
	reasonPhrase = abnf.Repeat0Inf("Reason-Phrase", abnf.Alt("reason-char", rng("%x21-FF", 0x21, 0xFF), sp, htab))
	// Reason-Phrase is optional: some UAs send a bare "SIP/2.0 200".
	statusLine = abnf.Concat("Status-Line",
		sipVersion, sp, statusCode,
		abnf.Optional("[SP Reason-Phrase]", abnf.Concat("SP Reason-Phrase", sp, reasonPhrase)),
	)

	cseq = abnf.Concat("CSeq", abnf.Repeat1Inf("1*DIGIT", digit), lws, method)
)

var (
	hostname = abnf.Repeat1Inf("hostname", abnf.Alt(`alphanum / "-" / "."`, alpha, digit, lit("-"), lit(".")))
	ipv6ref  = abnf.Concat("IPv6reference",
		lit("["),
		abnf.Repeat1Inf(`1*(HEXDIG / ":" / ".")`, abnf.Alt(`HEXDIG / ":" / "."`, hexdig, lit(":"), lit("."))),
		lit("]"),
	)
	host   = abnf.Alt("host", hostname, ipv6ref)
	port   = abnf.Repeat1Inf("port", digit)
	sentBy = abnf.Concat("sent-by", host, abnf.Optional("[COLON port]", abnf.Concat("COLON port", colon, port)))

	sentProtocol = abnf.Concat("sent-protocol",
		abnf.Alt("protocol-name", lit("SIP"), token), slash,
		abnf.Concat("protocol-version", token), slash,
		abnf.Concat("transport", token),
	)

	genValue     = abnf.Alt("gen-value", token, host, quotedString)
	genericParam = abnf.Concat("generic-param", token, abnf.Optional("[EQUAL gen-value]", abnf.Concat("EQUAL gen-value", equal, genValue)))
	viaParams    = abnf.Concat("via-params", genericParam)

	viaParm = abnf.Concat("via-parm",
		sentProtocol, lws, sentBy,
		abnf.Repeat0Inf("*(SEMI via-params)", abnf.Concat("SEMI via-params", semi, viaParams)),
	)
)
