package protocol

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
)

// Client fingerprints of common offensive tooling and loaders.
var knownJA3 = map[string]string{
	"72a589da586844d7f0818ce684948eea": "Cobalt Strike",
	"6734f37431670b3ab4292b8f60f29984": "Metasploit Meterpreter",
	"e7d705a3286e19ea42f587b344ee6865": "PowerShell Empire",
	"51c64c77e60f3980eea90869b68c58a8": "TrickBot/Dridex",
	"4d7a28d6f2263ed61de88ca66eb2e04b": "Emotet",
}

// Null, export-grade, RC4 and 3DES suites.
var weakCiphers = map[uint16]string{
	0x0000: "TLS_NULL_WITH_NULL_NULL",
	0x0001: "TLS_RSA_WITH_NULL_MD5",
	0x0002: "TLS_RSA_WITH_NULL_SHA",
	0x0004: "TLS_RSA_WITH_RC4_128_MD5",
	0x0005: "TLS_RSA_WITH_RC4_128_SHA",
	0x000a: "TLS_RSA_WITH_3DES_EDE_CBC_SHA",
	0x0016: "TLS_DHE_RSA_WITH_3DES_EDE_CBC_SHA",
	0x002c: "TLS_PSK_WITH_NULL_SHA",
	0x002d: "TLS_DHE_PSK_WITH_NULL_SHA",
	0x002e: "TLS_RSA_PSK_WITH_NULL_SHA",
}

func deprecated(v uint16) bool { return v >= 0x0300 && v <= 0x0302 }

// TLS inspects handshakes: client and server fingerprints, cipher and
// version choices, and the server certificate.
var TLS = detector.Descriptor{
	Key:    "tls",
	Family: detector.FamilyProtocol,
	Threats: []models.ThreatType{
		models.ThreatMaliciousJA3,
		models.ThreatWeakCipherOffered,
		models.ThreatWeakCipherNegotiated,
		models.ThreatDeprecatedTLS,
		models.ThreatMissingSNI,
		models.ThreatExpiredCertificate,
		models.ThreatSelfSignedCertificate,
	},
	Params: []config.ParamSpec{
		config.Strings("blocked_ja3", nil, "additional JA3 or JA3S digests to alert on"),
		config.Bool("check_weak_offered", true, "alert when a client offers weak suites"),
		config.Bool("check_missing_sni", true, "alert on outbound ClientHellos without SNI"),
		config.Bool("check_certificates", true, "inspect server certificates"),
	},
	New: func() detector.Detector {
		return &tlsDetector{limit: newLimiter()}
	},
}

type tlsDetector struct {
	limit limiter
}

func (d *tlsDetector) Observe(c *detector.Context, f *models.Flow) {
	hs := c.TLS()
	if hs == nil {
		return
	}
	if hs.Client != nil {
		d.client(c, f, hs.Client)
	}
	if hs.Server != nil {
		d.server(c, f, hs.Server)
	}
	if len(hs.Certificates) > 0 && c.Params.Bool("check_certificates") {
		d.certificate(c, f, hs.Certificates[0])
	}
}

func (d *tlsDetector) emit(c *detector.Context, f *models.Flow, server bool, a *models.Alert) {
	src, dst := f.SrcIP, f.DstIP
	if server {
		src, dst = dst, src
		fromServer(a)
	}
	if d.limit.allow(c, src, dst, a.ThreatType, f.Mono) {
		c.Emit(a)
	}
}

func (d *tlsDetector) client(c *detector.Context, f *models.Flow, ch *parse.ClientHello) {
	ja3 := ch.JA3()
	if match, family, confidence := d.lookup(c, ja3); match != "" {
		d.emit(c, f, false, c.Alert(models.ThreatMaliciousJA3, f, "%s presented JA3 %s (%s)", f.SrcIP, ja3, family).
			WithEvidence("ja3", ja3, "ja3_string", ch.JA3String(), "match", match, "family", family, "confidence", confidence, "sni", ch.SNI))
	}

	if c.Params.Bool("check_weak_offered") {
		var weak []string
		for _, s := range ch.Ciphers {
			if name, ok := weakCiphers[s]; ok {
				weak = append(weak, name)
			}
		}
		if len(weak) > 0 {
			d.emit(c, f, false, c.Alert(models.ThreatWeakCipherOffered, f, "%s offered %d weak cipher suites", f.SrcIP, len(weak)).
				WithEvidence("ciphers", strings.Join(weak, ","), "sni", ch.SNI))
		}
	}

	if v := ch.MaxVersion(); deprecated(v) {
		d.emit(c, f, false, c.Alert(models.ThreatDeprecatedTLS, f, "%s offered at most %s", f.SrcIP, parse.TLSVersionName(v)).
			WithEvidence("version", parse.TLSVersionName(v), "side", "client", "sni", ch.SNI))
	}

	if ch.SNI == "" && f.Direction == models.DirectionOutbound && c.Params.Bool("check_missing_sni") {
		d.emit(c, f, false, c.Alert(models.ThreatMissingSNI, f, "%s opened TLS to %s without SNI", f.SrcIP, f.DstIP).
			WithEvidence("ja3", ja3))
	}
}

// lookup checks the built-in list, the configured list and the indicator
// snapshot, in that order.
func (d *tlsDetector) lookup(c *detector.Context, digest string) (match, family, confidence string) {
	if name, ok := knownJA3[digest]; ok {
		return "builtin", name, "90"
	}
	if slices.Contains(c.Params.Strings("blocked_ja3"), digest) {
		return "config", "configured", "80"
	}
	if ind, ok := c.Indicators.LookupJA3(digest, c.Now); ok {
		desc := ind.Description
		if desc == "" {
			desc = ind.Feed
		}
		return "feed:" + ind.Feed, desc, itoa(ind.Confidence)
	}
	return "", "", ""
}

func (d *tlsDetector) server(c *detector.Context, f *models.Flow, sh *parse.ServerHello) {
	ja3s := sh.JA3S()
	if match, family, confidence := d.lookup(c, ja3s); match != "" {
		d.emit(c, f, true, c.Alert(models.ThreatMaliciousJA3, f, "server %s answered with JA3S %s (%s)", f.SrcIP, ja3s, family).
			WithEvidence("ja3s", ja3s, "ja3s_string", sh.JA3SString(), "match", match, "family", family, "confidence", confidence))
	}

	if name, ok := weakCiphers[sh.Cipher]; ok {
		d.emit(c, f, true, c.Alert(models.ThreatWeakCipherNegotiated, f, "server %s selected %s", f.SrcIP, name).
			WithEvidence("cipher", name, "cipher_id", fmt.Sprintf("0x%04x", sh.Cipher)))
	}

	v := sh.SelectedVersion
	if v == 0 {
		v = sh.Version
	}
	if deprecated(v) {
		d.emit(c, f, true, c.Alert(models.ThreatDeprecatedTLS, f, "server %s negotiated %s", f.SrcIP, parse.TLSVersionName(v)).
			WithEvidence("version", parse.TLSVersionName(v), "side", "server"))
	}
}

func (d *tlsDetector) certificate(c *detector.Context, f *models.Flow, leaf *x509.Certificate) {
	now := f.Timestamp
	if now.IsZero() {
		now = c.Now
	}
	subject := leaf.Subject.CommonName
	if now.After(leaf.NotAfter) || now.Before(leaf.NotBefore) {
		d.emit(c, f, true, c.Alert(models.ThreatExpiredCertificate, f, "server %s presented a certificate for %q outside its validity", f.SrcIP, subject).
			WithEvidence(
				"subject", subject,
				"not_before", leaf.NotBefore.UTC().Format(time.RFC3339),
				"not_after", leaf.NotAfter.UTC().Format(time.RFC3339),
			))
	}
	if selfSigned(leaf) {
		d.emit(c, f, true, c.Alert(models.ThreatSelfSignedCertificate, f, "server %s presented a self-signed certificate for %q", f.SrcIP, subject).
			WithEvidence("subject", subject, "issuer", leaf.Issuer.CommonName))
	}
}

// selfSigned reports whether the certificate names itself as issuer and its
// signature verifies under its own key.
func selfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

func (d *tlsDetector) Evict(now, idle time.Duration, batch int) int {
	return d.limit.Evict(now, idle, batch)
}
