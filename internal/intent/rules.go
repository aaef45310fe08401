package intent

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/ShopFlow/internal/models"
)

// Rule names reported in ClassificationResult.MatchedRule. The dispatcher and
// the commerce handler key off these.
const (
	RuleCartOperation    = "cart_operation"
	RuleQuantityOnly     = "quantity_only"
	RulePerUnitPrice     = "per_unit_price"
	RuleLargeQuantity    = "large_quantity"
	RuleDiscount         = "discount_negotiation"
	RulePriceInquiry     = "price_inquiry"
	RuleProductCodeOrder = "product_code_quantity"
)

// rule is one entry of the cascade: a name, the intent it implies, and the
// confidence assigned to a deterministic match.
type rule struct {
	name       string
	intent     models.Intent
	confidence float64
	match      func(text string) bool
}

// Pattern building blocks. The product-code shape ("10x140") is shared by the
// price-inquiry and bare-order rules.
var (
	productCodeRe = regexp.MustCompile(`\b\d{1,3}x\d{2,4}\b`)
	unitWordRe    = regexp.MustCompile(`^\s*\d+\s*(ctns?|cartons?|pcs?|pieces?|boxes?|box|units?|bags?|rolls?)\s*$`)
	perUnitRe     = regexp.MustCompile(`\b(?:rs\.?|₹)?\s*\d+(?:\.\d+)?\s*(?:each|/-?\s*each|per\s+(?:pc|piece|unit|ctn|carton|box))\b`)
	largeQtyRe    = regexp.MustCompile(`\b\d+(?:\.\d+)?\s*(?:lac|lakh|lakhs)\b`)

	cartOpRe = regexp.MustCompile(`^\s*(?:(?:clear|empty|view|show|check)\s+(?:my\s+)?cart|cart|checkout|check\s*out|place\s+(?:my\s+)?order)\s*$`)

	// Discount negotiation covers direct asks, percentage mentions, price
	// counter-offers and transliterated regional phrasing.
	discountRes = []*regexp.Regexp{
		regexp.MustCompile(`\bdiscount\b`),
		regexp.MustCompile(`\b\d{1,2}\s*%`),
		regexp.MustCompile(`\b(?:best|final|last)\s+(?:price|rate)\b`),
		regexp.MustCompile(`\b(?:kam\s+karo|thoda\s+kam|kuch\s+kam|itna\s+mehenga|sasta)\b`),
		regexp.MustCompile(`\b(?:can you do|will you take|i(?:'ll| will) (?:pay|give))\s+(?:rs\.?\s*|₹\s*)?\d+`),
		regexp.MustCompile(`\b(?:too\s+(?:costly|expensive|high)|reduce\s+(?:the\s+)?(?:price|rate))\b`),
	}

	priceWordRe = regexp.MustCompile(`\b(?:price|rate|cost|how\s+much|kitna|bhav)\b`)

	quantityAfterCodeRe = regexp.MustCompile(`\b\d{1,3}x\d{2,4}\b[\s,]*(?:x\s*)?\d+\s*(?:ctns?|cartons?|pcs?|pieces?|boxes?|box|units?|bags?|rolls?)?\b`)
)

// cascade is the ordered rule table. Order is behavior: two rules can match
// the same ambiguous input and only the first may win. Cheapest and most
// specific rules come first.
var cascade = []rule{
	{
		name:       RuleCartOperation,
		intent:     models.IntentCartOperation,
		confidence: 1.0,
		match:      func(t string) bool { return cartOpRe.MatchString(t) },
	},
	{
		name:       RuleQuantityOnly,
		intent:     models.IntentOrder,
		confidence: 0.95,
		match:      func(t string) bool { return unitWordRe.MatchString(t) },
	},
	{
		name:       RulePerUnitPrice,
		intent:     models.IntentDiscount,
		confidence: 0.9,
		match:      func(t string) bool { return perUnitRe.MatchString(t) },
	},
	{
		name:       RuleLargeQuantity,
		intent:     models.IntentOrder,
		confidence: 0.9,
		match:      func(t string) bool { return largeQtyRe.MatchString(t) },
	},
	{
		name:       RuleDiscount,
		intent:     models.IntentDiscount,
		confidence: 0.85,
		match: func(t string) bool {
			for _, re := range discountRes {
				if re.MatchString(t) {
					return true
				}
			}
			return false
		},
	},
	{
		name:       RulePriceInquiry,
		intent:     models.IntentPriceInquiry,
		confidence: 0.85,
		match: func(t string) bool {
			return priceWordRe.MatchString(t) && productCodeRe.MatchString(t)
		},
	},
	{
		name:       RuleProductCodeOrder,
		intent:     models.IntentOrder,
		confidence: 0.8,
		match:      func(t string) bool { return quantityAfterCodeRe.MatchString(t) },
	},
}

// Classify runs the ordered cascade over a text message and stops at the
// first rule that fires. A zero-value result means no deterministic rule
// matched and the AI classifier should be consulted.
func Classify(text string) models.ClassificationResult {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return models.ClassificationResult{}
	}
	for _, r := range cascade {
		if r.match(lowered) {
			slog.Debug("intent.Classify: rule matched", "rule", r.name, "intent", r.intent)
			return models.ClassificationResult{
				Intent:      r.intent,
				Confidence:  r.confidence,
				MatchedRule: r.name,
			}
		}
	}
	return models.ClassificationResult{}
}

// LooksLikeProductRequest is the small heuristic used while a conversation is
// awaiting structured input: a product-code order or a cart operation means
// the customer has moved on from the question they were asked.
func LooksLikeProductRequest(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	return quantityAfterCodeRe.MatchString(lowered) || cartOpRe.MatchString(lowered)
}
