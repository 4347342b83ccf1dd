package suggest

import (
	"strings"

	"peepal-go/internal/models"
)

// Category is the kind of place a suggestion points at.
type Category string

const (
	CategoryPublicRestroom Category = "public restroom"
	CategoryShoppingMall   Category = "shopping mall"
	CategoryCoffeeShop     Category = "coffee shop"
	CategoryRestaurant     Category = "restaurant"
	CategoryFastFood       Category = "fast food"
	CategoryFuel           Category = "fuel"
	CategoryConvenience    Category = "convenience"
	CategorySupermarket    Category = "supermarket"
	CategoryPark           Category = "park"
	CategoryPlace          Category = "place"
)

// tagRules is checked in order; the first matching OSM tag wins.
var tagRules = []struct {
	key, value string
	category   Category
}{
	{"amenity", "toilets", CategoryPublicRestroom},
	{"shop", "mall", CategoryShoppingMall},
	{"amenity", "cafe", CategoryCoffeeShop},
	{"amenity", "restaurant", CategoryRestaurant},
	{"amenity", "fast_food", CategoryFastFood},
	{"amenity", "fuel", CategoryFuel},
	{"shop", "convenience", CategoryConvenience},
	{"shop", "supermarket", CategorySupermarket},
	{"leisure", "park", CategoryPark},
}

// CategoryFromTags maps an OSM tag set to a category. Unknown tag sets map
// to CategoryPlace.
func CategoryFromTags(tags map[string]string) Category {
	for _, rule := range tagRules {
		if tags[rule.key] == rule.value {
			return rule.category
		}
	}
	return CategoryPlace
}

// keywords map free-text labels (possibly localized by a language model)
// onto categories. Order matters: "fast food restaurant" is fast food.
var keywords = []struct {
	category Category
	words    []string
}{
	{CategoryPublicRestroom, []string{"toilet", "restroom", "wc", "lavatory", "toilette", "厕所", "洗手间", "卫生间"}},
	{CategoryShoppingMall, []string{"mall", "einkaufszentrum", "商场", "购物中心"}},
	{CategoryFastFood, []string{"fast food", "fast_food", "schnellimbiss", "imbiss", "快餐"}},
	{CategoryCoffeeShop, []string{"coffee", "cafe", "café", "kaffee", "咖啡"}},
	{CategoryRestaurant, []string{"restaurant", "gaststätte", "餐厅", "餐馆", "饭店"}},
	{CategoryFuel, []string{"fuel", "gas station", "petrol", "tankstelle", "加油站"}},
	{CategoryConvenience, []string{"convenience", "kiosk", "späti", "便利店"}},
	{CategorySupermarket, []string{"supermarket", "supermarkt", "超市"}},
	{CategoryPark, []string{"park", "公园"}},
}

// ParseCategory classifies a free-text place type. It never fails.
func ParseCategory(label string) Category {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return CategoryPlace
	}
	for _, k := range keywords {
		for _, w := range k.words {
			if strings.Contains(l, w) {
				return k.category
			}
		}
	}
	return CategoryPlace
}

var tips = map[models.Language]map[Category]string{
	models.LanguageEnglish: {
		CategoryPublicRestroom: "Look for signage; some are in parks or stations.",
		CategoryShoppingMall:   "Clean restrooms—check atrium or food court.",
		CategoryCoffeeShop:     "Kindly ask staff to use the restroom.",
		CategoryRestaurant:     "Most restaurants will let you use it if you ask.",
		CategorySupermarket:    "Often near the customer service area.",
		CategoryFastFood:       "Usually available for customers—ask staff.",
		CategoryFuel:           "Gas stations often have public toilets.",
		CategoryConvenience:    "Small shops sometimes have restrooms—ask politely.",
		CategoryPark:           "Some parks have public toilets near entrances.",
	},
	models.LanguageGerman: {
		CategoryPublicRestroom: "Auf Beschilderung achten; oft in Parks/Bahnhöfen.",
		CategoryShoppingMall:   "Saubere Toiletten – Atrium oder Food-Court.",
		CategoryCoffeeShop:     "Höflich fragen, ob Sie die Toilette benutzen dürfen.",
		CategoryRestaurant:     "Viele Restaurants erlauben die Nutzung auf Anfrage.",
		CategorySupermarket:    "Oft in der Nähe vom Kundenservice.",
		CategoryFastFood:       "Meist für Gäste – bitte Personal fragen.",
		CategoryFuel:           "Tankstellen haben häufig öffentliche Toiletten.",
		CategoryConvenience:    "Kleine Läden haben manchmal Toiletten – freundlich fragen.",
		CategoryPark:           "In Parks oft nahe den Eingängen.",
	},
	models.LanguageChinese: {
		CategoryPublicRestroom: "留意指示牌；常在公园或车站附近。",
		CategoryShoppingMall:   "商场洗手间较干净—中庭或美食区附近。",
		CategoryCoffeeShop:     "礼貌询问店员是否可使用洗手间。",
		CategoryRestaurant:     "很多餐馆会在你询问后允许使用。",
		CategorySupermarket:    "通常在客服台附近。",
		CategoryFastFood:       "通常为顾客开放—先询问店员。",
		CategoryFuel:           "加油站常有公共洗手间。",
		CategoryConvenience:    "小店有时也有洗手间—礼貌询问。",
		CategoryPark:           "一些公园入口附近设有公厕。",
	},
}

// Tip returns a short access hint for a category. Categories without a
// dedicated entry, including CategoryPlace, get the public restroom hint.
func Tip(c Category, lang models.Language) string {
	table, ok := tips[lang]
	if !ok {
		table = tips[models.DefaultLanguage]
	}
	if tip, ok := table[c]; ok {
		return tip
	}
	return table[CategoryPublicRestroom]
}
