// Package ids computes the deterministic content-hash identifiers used
// throughout the core: signal_id, decision_id, and position_id. All three
// are full 64-character hex SHA256 digests, stable across re-computation on
// the same inputs.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalizeText lowercases, collapses whitespace, and trims for stable
// thesis fingerprinting.
func normalizeText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ToLower(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SignalFingerprint carries the stable, enrichment-independent fields used
// to compute signal_id. Deliberately excludes volatile fields (rugcheck
// score, volume, etc.) that change across enrichment cycles and would
// otherwise break idempotency.
type SignalFingerprint struct {
	SourceEventID string
	Chain         string
	TokenAddress  string
	SourcePrimary string
	SignalType    string
	Thesis        string
	Timestamp     time.Time
}

// MakeSignalID generates the deterministic signal_id.
//
// Priority:
//  1. source_event_id, if present - most stable.
//  2. Content fingerprint over chain|token|source|type|thesis.
//  3. If the normalized thesis is too sparse (<10 chars), a 10-minute UTC
//     time bucket is appended so near-simultaneous sparse signals from the
//     same source don't collide forever.
func MakeSignalID(sig SignalFingerprint) string {
	if sig.SourceEventID != "" {
		return sha256Hex("event|" + sig.SourceEventID)
	}

	chain := orDefault(sig.Chain, "unknown")
	token := orDefault(sig.TokenAddress, "unknown")
	source := orDefault(sig.SourcePrimary, "unknown")
	sigType := orDefault(sig.SignalType, "generic")
	thesis := normalizeText(sig.Thesis)

	composite := fmt.Sprintf("%s|%s|%s|%s|%s", chain, token, source, sigType, thesis)

	if len(thesis) < 10 {
		ts := sig.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
			bucket := bucketUTC(ts, 600)
			composite += "|" + bucket.Format(time.RFC3339) + "_fallback"
		} else {
			bucket := bucketUTC(ts, 600)
			composite += "|" + bucket.Format(time.RFC3339)
		}
	}

	return sha256Hex(composite)
}

func bucketUTC(ts time.Time, bucketSeconds int64) time.Time {
	unix := ts.Unix()
	bucket := (unix / bucketSeconds) * bucketSeconds
	return time.Unix(bucket, 0).UTC()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// MakeDecisionID computes decision_id = sha256(signal_id|policy_version).
func MakeDecisionID(signalID, policyVersion string) string {
	return sha256Hex(signalID + "|" + policyVersion)
}

// MakePositionID computes position_id = sha256(decision_id|execution_ordinal).
func MakePositionID(decisionID string, executionOrdinal int) string {
	return sha256Hex(fmt.Sprintf("%s|%d", decisionID, executionOrdinal))
}

// MakeClientOrderID computes the deterministic, idempotent client_order_id
// OMS submits to the exchange: a 5-minute wall-clock bucket folded into the
// composite key means two place_order calls for the same logical order
// within the same bucket collide onto the same id, while retries issued
// after a bucket roll are treated as a fresh order.
func MakeClientOrderID(correlationID, strategy, side, symbol string, at time.Time) string {
	bucket := at.UTC().Hour()*60 + (at.UTC().Minute()/5)*5
	raw := fmt.Sprintf("%s:%s:%s:%s:%d:%s", correlationID, strategy, side, symbol, bucket, at.UTC().Format("2006-01-02"))
	return sha256Hex(raw)
}
