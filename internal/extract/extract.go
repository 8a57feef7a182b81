// Package extract performs pure text analysis on free-form support queries.
//
// It produces two signals for the retrieval engine: the set of business
// identifiers mentioned in the text (order, invoice, PO, tracking and SKU
// numbers) and a single intent label. Identifiers are the strongest
// relevance signal, so their presence forces the identifier_lookup intent
// regardless of any other keywords.
package extract

import (
	"regexp"
	"strings"
)

// IdentifierKind classifies an extracted business identifier.
type IdentifierKind string

const (
	KindOrder    IdentifierKind = "order"
	KindInvoice  IdentifierKind = "invoice"
	KindPO       IdentifierKind = "po"
	KindTracking IdentifierKind = "tracking"
	KindSKU      IdentifierKind = "sku"
)

// Identifier is a normalized business identifier found in text.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

// Intent labels the dominant information need of a query.
type Intent string

const (
	IntentIdentifierLookup  Intent = "identifier_lookup"
	IntentAccountHistory    Intent = "account_history"
	IntentPolicySOP         Intent = "policy_sop"
	IntentLogisticsShipping Intent = "logistics_shipping"
	IntentPaymentsTerms     Intent = "payments_terms"
	IntentTroubleshooting   Intent = "troubleshooting"
)

// PrecisionIntents are intents that imply a high-precision structured need.
var PrecisionIntents = map[Intent]bool{
	IntentIdentifierLookup:  true,
	IntentLogisticsShipping: true,
	IntentPaymentsTerms:     true,
}

var (
	orderLabelRe   = regexp.MustCompile(`(?i)\b(?:order|ord)\.?\s*(?:#|no\.?|number)?\s*[:#]?\s*([A-Za-z]{0,3}\d[A-Za-z0-9-]{2,})`)
	invoiceLabelRe = regexp.MustCompile(`(?i)\b(?:invoice|inv)\.?\s*(?:#|no\.?|number)?\s*[:#]?\s*([A-Za-z]{0,3}\d[A-Za-z0-9-]{2,})`)
	poLabelRe      = regexp.MustCompile(`(?i)\b(?:p\.?o\.?|purchase\s+order)\s*(?:#|no\.?|number)?\s*[:#]?\s*([A-Za-z]{0,3}\d[A-Za-z0-9-]{2,})`)
	skuLabelRe     = regexp.MustCompile(`(?i)\b(?:sku|item|part)\s*(?:#|no\.?|number)?\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9-]{2,})`)

	// Bare hash-prefixed tokens ("#A1001") read as order numbers.
	bareHashRe = regexp.MustCompile(`#([A-Za-z]{0,3}\d[A-Za-z0-9-]{2,})`)

	// Carrier-shaped tracking tokens. The UPS 1Z form is unambiguous; the
	// bare-digit forms (FedEx 12/15, USPS 20-22) additionally require
	// shipping context in the surrounding text to avoid false positives on
	// generic numeric strings.
	upsTrackingRe   = regexp.MustCompile(`(?i)\b(1Z[0-9A-Za-z]{16})\b`)
	digitTrackingRe = regexp.MustCompile(`\b(\d{12}|\d{15}|\d{20,22})\b`)

	shippingContextRe = regexp.MustCompile(`(?i)\b(ship|shipping|shipped|shipment|track|tracking|carrier|deliver|delivery|package|parcel|ups|fedex|usps|dhl|transit)\b`)
)

// intentRule maps keyword patterns to an intent. Rules are evaluated in
// order; the first match wins.
type intentRule struct {
	intent Intent
	re     *regexp.Regexp
}

var intentRules = []intentRule{
	{IntentPolicySOP, regexp.MustCompile(`(?i)\b(policy|policies|sop|procedure|guideline|how\s+do\s+we|standard\s+operating|protocol|compliance)\b`)},
	{IntentLogisticsShipping, regexp.MustCompile(`(?i)\b(ship|shipping|shipped|shipment|tracking|carrier|deliver|delivery|package|parcel|freight|transit|customs|eta)\b`)},
	{IntentPaymentsTerms, regexp.MustCompile(`(?i)\b(payment|pay|paid|refund|billing|billed|invoice|invoicing|credit|charge|terms|net\s*\d+|balance|overdue|remittance)\b`)},
	{IntentTroubleshooting, regexp.MustCompile(`(?i)\b(error|broken|defect|defective|not\s+working|doesn'?t\s+work|fail|failing|failed|malfunction|troubleshoot|crash|warranty|repair)\b`)},
}

// Extract analyzes text and returns its normalized identifiers (deduplicated)
// and intent label. If any identifier is present, the intent is forced to
// IntentIdentifierLookup; otherwise the first matching keyword rule applies,
// with IntentAccountHistory as the fallback.
func Extract(text string) ([]Identifier, Intent) {
	ids := Identifiers(text)
	if len(ids) > 0 {
		return ids, IntentIdentifierLookup
	}
	return nil, classifyIntent(text)
}

// Identifiers returns all normalized business identifiers in text.
func Identifiers(text string) []Identifier {
	if text == "" {
		return nil
	}

	var ids []Identifier
	seen := make(map[string]bool)

	add := func(kind IdentifierKind, raw string) {
		value := normalize(raw)
		if value == "" {
			return
		}
		key := string(kind) + ":" + value
		if seen[key] {
			return
		}
		seen[key] = true
		ids = append(ids, Identifier{Kind: kind, Value: value})
	}

	for _, m := range orderLabelRe.FindAllStringSubmatch(text, -1) {
		add(KindOrder, m[1])
	}
	for _, m := range invoiceLabelRe.FindAllStringSubmatch(text, -1) {
		add(KindInvoice, m[1])
	}
	for _, m := range poLabelRe.FindAllStringSubmatch(text, -1) {
		add(KindPO, m[1])
	}
	for _, m := range skuLabelRe.FindAllStringSubmatch(text, -1) {
		add(KindSKU, m[1])
	}
	for _, m := range upsTrackingRe.FindAllStringSubmatch(text, -1) {
		add(KindTracking, m[1])
	}

	// Bare numeric tracking shapes only count when the text carries shipping
	// context; otherwise a 12-digit account number would classify as a
	// tracking identifier.
	if shippingContextRe.MatchString(text) {
		for _, m := range digitTrackingRe.FindAllStringSubmatch(text, -1) {
			add(KindTracking, m[1])
		}
	}

	for _, m := range bareHashRe.FindAllStringSubmatch(text, -1) {
		value := normalize(m[1])
		if value == "" || seen["invoice:"+value] || seen["po:"+value] || seen["tracking:"+value] {
			continue
		}
		add(KindOrder, m[1])
	}

	return ids
}

// classifyIntent applies the ordered keyword rules.
func classifyIntent(text string) Intent {
	for _, rule := range intentRules {
		if rule.re.MatchString(text) {
			return rule.intent
		}
	}
	return IntentAccountHistory
}

// normalize upper-cases an identifier and strips stray trailing punctuation.
func normalize(raw string) string {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.TrimRight(v, ".,;:!?-")
	return v
}
