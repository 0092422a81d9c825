// Package enrich derives structured attributes for catalog items,
// first from the listing text, then from the product image, and
// finally computes the search embedding.
package enrich

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/watchvine/catalog-sync/internal/model"
)

var titleCaser = cases.Title(language.English)

// knownBrands is checked in order so multi-word brands win over their
// substrings (e.g. "grand seiko" before "seiko").
var knownBrands = []struct {
	keyword string
	brand   string
}{
	{"grand seiko", "Grand Seiko"},
	{"king seiko", "King Seiko"},
	{"tag heuer", "TAG Heuer"},
	{"audemars piguet", "Audemars Piguet"},
	{"patek philippe", "Patek Philippe"},
	{"vacheron constantin", "Vacheron Constantin"},
	{"a. lange", "A. Lange & Soehne"},
	{"jaeger-lecoultre", "Jaeger-LeCoultre"},
	{"jaeger lecoultre", "Jaeger-LeCoultre"},
	{"franck muller", "Franck Muller"},
	{"frederique constant", "Frederique Constant"},
	{"maurice lacroix", "Maurice Lacroix"},
	{"bell & ross", "Bell & Ross"},
	{"baume & mercier", "Baume & Mercier"},
	{"glashutte original", "Glashuette Original"},
	{"ulysse nardin", "Ulysse Nardin"},
	{"g-shock", "Casio"},
	{"g shock", "Casio"},
	{"seiko", "Seiko"},
	{"citizen", "Citizen"},
	{"casio", "Casio"},
	{"orient", "Orient"},
	{"rolex", "Rolex"},
	{"omega", "Omega"},
	{"tudor", "Tudor"},
	{"tissot", "Tissot"},
	{"hamilton", "Hamilton"},
	{"longines", "Longines"},
	{"breitling", "Breitling"},
	{"panerai", "Panerai"},
	{"cartier", "Cartier"},
	{"hublot", "Hublot"},
	{"zenith", "Zenith"},
	{"chopard", "Chopard"},
	{"bvlgari", "Bvlgari"},
	{"bulgari", "Bvlgari"},
	{"iwc", "IWC"},
	{"oris", "Oris"},
	{"rado", "Rado"},
	{"mido", "Mido"},
	{"sinn", "Sinn"},
	{"nomos", "Nomos"},
	{"bulova", "Bulova"},
	{"timex", "Timex"},
	{"fossil", "Fossil"},
	{"swatch", "Swatch"},
	{"garmin", "Garmin"},
	{"suunto", "Suunto"},
	{"lorus", "Lorus"},
	{"alba", "Alba"},
	{"festina", "Festina"},
	{"invicta", "Invicta"},
	{"breguet", "Breguet"},
	{"blancpain", "Blancpain"},
	{"piaget", "Piaget"},
	{"montblanc", "Montblanc"},
	{"movado", "Movado"},
	{"wenger", "Wenger"},
	{"victorinox", "Victorinox"},
}

var colorKeywords = []string{
	"black", "white", "blue", "navy", "green", "red", "orange",
	"yellow", "gold", "rose gold", "silver", "grey", "gray", "brown",
	"pink", "purple", "champagne", "cream", "ivory", "turquoise",
	"salmon", "burgundy", "bronze",
}

var materialKeywords = []string{
	"stainless steel", "titanium", "ceramic", "leather", "rubber",
	"silicone", "nylon", "canvas", "sapphire", "carbon", "gold",
	"platinum", "resin", "mesh", "brass", "aluminum",
}

var styleKeywords = []string{
	"chronograph", "gmt", "skeleton", "moonphase", "open heart",
	"tourbillon", "perpetual calendar", "world time", "solar",
	"kinetic", "limited edition", "day-date", "power reserve",
	"tachymeter", "retrograde",
}

var automaticKeywords = []string{
	"automatic", "self-winding", "self winding", "mechanical",
	"hand-wound", "hand wound", "manual wind",
}

var quartzKeywords = []string{
	"quartz", "solar", "eco-drive", "eco drive", "kinetic",
	"digital", "tough solar",
}

// watchTypeRules is an ordered priority list; the first matching rule
// wins. Diver keywords beat the generic "sport" so a "sports diver"
// classifies as diving.
var watchTypeRules = []struct {
	watchType string
	keywords  []string
}{
	{"diving", []string{"diver", "diving", "dive watch", "200m", "300m", "scuba", "marinemaster", "seamaster", "submariner", "turtle", "samurai", "monster"}},
	{"aviation", []string{"pilot", "aviator", "aviation", "flieger", "navitimer", "flight"}},
	{"racing", []string{"racing", "driver", "motorsport", "speedmaster", "daytona", "tachymeter"}},
	{"smartwatch", []string{"smartwatch", "smart watch", "gps watch", "fitness tracker"}},
	{"military", []string{"military", "field watch", "tactical", "khaki field"}},
	{"dress", []string{"dress", "formal", "elegant", "presage", "classique"}},
	{"sports", []string{"sport", "chronograph", "g-shock", "prospex"}},
	{"vintage", []string{"vintage", "retro", "heritage", "reissue", "re-issue"}},
}

const (
	priceRangeBudget  = "Budget"
	priceRangeMid     = "Mid-Range"
	priceRangePremium = "Premium"
	priceRangeLuxury  = "Luxury"
)

// ExtractAttributes runs the keyword heuristics over an item's name
// and category and merges the findings into attrs with heuristic
// provenance. Existing vision-sourced values are never overwritten.
func ExtractAttributes(item *model.CatalogItem, attrs *model.Attributes) {
	text := strings.ToLower(item.Name + " " + item.Category)
	price := ParsePrice(item.Price)

	attrs.Brand.Apply(detectBrand(text), model.ProvenanceHeuristic)
	attrs.Colors.Merge(matchKeywords(text, colorKeywords), model.ProvenanceHeuristic)
	attrs.Materials.Merge(matchKeywords(text, materialKeywords), model.ProvenanceHeuristic)
	attrs.Styles.Merge(matchKeywords(text, styleKeywords), model.ProvenanceHeuristic)
	attrs.GenderTarget.Apply(detectGender(text), model.ProvenanceHeuristic)
	attrs.PriceRange.Apply(PriceRange(price), model.ProvenanceHeuristic)
	attrs.WatchType.Apply(detectWatchType(text, price), model.ProvenanceHeuristic)

	if auto, ok := detectMovement(text); ok {
		attrs.IsAutomatic.Apply(auto, model.ProvenanceHeuristic)
	}
	if belt := beltTypeFromMaterials(attrs.Materials.Values); belt != "" {
		attrs.BeltType.Apply(belt, model.ProvenanceHeuristic)
	}
}

func detectBrand(text string) string {
	for _, b := range knownBrands {
		if containsWord(text, b.keyword) {
			return b.brand
		}
	}
	return ""
}

// containsWord matches keyword at word boundaries so "orient" does
// not fire inside "orientation".
func containsWord(text, keyword string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], keyword)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(keyword)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

func matchKeywords(text string, keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if containsWord(text, kw) {
			out = append(out, titleCaser.String(kw))
		}
	}
	return out
}

func detectGender(text string) string {
	switch {
	case containsWord(text, "unisex"):
		return "unisex"
	case containsWord(text, "women") || containsWord(text, "womens") ||
		containsWord(text, "ladies") || containsWord(text, "lady") ||
		containsWord(text, "female") || containsWord(text, "for her"):
		return "women"
	case containsWord(text, "men") || containsWord(text, "mens") ||
		containsWord(text, "gents") || containsWord(text, "male") ||
		containsWord(text, "for him"):
		return "men"
	}
	return ""
}

// ParsePrice extracts a numeric price from a listing string like
// "1500.00", "$1,299.99", or "USD 4,200". Returns zero when no number
// is found.
func ParsePrice(s string) float64 {
	var b strings.Builder
	started := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			started = true
		case r == '.' && started:
			b.WriteRune(r)
		case r == ',':
			// thousands separator
		default:
			if started {
				goto done
			}
		}
	}
done:
	if b.Len() == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

// PriceRange buckets a price in USD into catalog tiers. Zero means
// the price is unknown and gets no bucket.
func PriceRange(price float64) string {
	switch {
	case price <= 0:
		return ""
	case price < 1000:
		return priceRangeBudget
	case price < 2500:
		return priceRangeMid
	case price < 5000:
		return priceRangePremium
	default:
		return priceRangeLuxury
	}
}

func detectWatchType(text string, price float64) string {
	for _, rule := range watchTypeRules {
		for _, kw := range rule.keywords {
			if containsWord(text, kw) {
				return rule.watchType
			}
		}
	}
	// No keyword signal. A very expensive piece is at least "luxury",
	// everything else defaults to casual.
	if price >= 5000 {
		return "luxury"
	}
	return "casual"
}

func detectMovement(text string) (automatic, determined bool) {
	for _, kw := range automaticKeywords {
		if containsWord(text, kw) {
			return true, true
		}
	}
	for _, kw := range quartzKeywords {
		if containsWord(text, kw) {
			return false, true
		}
	}
	return false, false
}

// beltTypeFromMaterials collapses strap materials into the coarse
// belt_type facet used by the storefront filters.
func beltTypeFromMaterials(materials []string) string {
	for _, m := range materials {
		switch strings.ToLower(m) {
		case "stainless steel", "titanium", "gold", "platinum", "mesh", "brass", "aluminum":
			return "metal"
		case "leather":
			return "leather"
		case "rubber", "silicone", "resin":
			return "rubber"
		case "nylon", "canvas":
			return "fabric"
		}
	}
	return ""
}

// beltTypeFromVision maps the vision model's strap_material answer to
// the same facet values.
func beltTypeFromVision(strapMaterial string) string {
	switch strings.ToLower(strings.TrimSpace(strapMaterial)) {
	case "":
		return ""
	case "metal", "steel", "stainless steel", "titanium", "gold", "mesh":
		return "metal"
	case "leather":
		return "leather"
	case "rubber", "silicone", "resin":
		return "rubber"
	case "fabric", "nylon", "canvas", "textile":
		return "fabric"
	default:
		return "other"
	}
}
