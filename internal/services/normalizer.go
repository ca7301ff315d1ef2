package services

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"catalog-sync-service/internal/clients/lightspeed"
	"catalog-sync-service/internal/models"
)

const (
	defaultItemType      = "Default"
	uncategorizedLabel   = "Uncategorized"
	aggregateLocationID  = "0"
	quantityDecimalScale = 2
)

var itemTypeSeparators = strings.NewReplacer("_", " ", "-", " ")

// Normalize maps one source item onto a catalog row. It never fails; missing
// fields degrade to empty strings or nil numbers.
func Normalize(item lightspeed.Item, index int, locationNameByID, categoryNameByID map[string]string) models.CatalogRow {
	row := models.CatalogRow{
		ItemID:      item.ItemID.String(),
		MatrixID:    item.ItemMatrixID.String(),
		Description: item.Description.String(),
		CustomSku:   item.CustomSku.String(),
		SystemSku:   item.SystemSku.String(),
		UPC:         item.UPC.String(),
		EAN:         item.EAN.String(),
		CategoryID:  item.CategoryID.String(),
		Locations:   make(map[string]*float64),
	}
	if row.MatrixID == "0" {
		row.MatrixID = ""
	}
	row.ID = firstNonEmpty(row.ItemID, row.SystemSku, row.CustomSku, row.UPC, row.EAN)
	if row.ID == "" {
		row.ID = "row-" + strconv.Itoa(index+1)
	}

	row.Color, row.Size = matrixAttributes(item.Attributes)
	row.Category = categoryLabel(row.CategoryID, categoryNameByID)
	row.ItemType = formatItemType(item.ItemType.String())
	row.RetailPrice, row.RetailPriceNumber = defaultPrice(item.Prices)

	var (
		total       decimal.Decimal
		contributed bool
	)
	// shops sharing a display name are summed into one location
	byName := make(map[string]decimal.Decimal)
	if item.ItemShops != nil {
		for _, shop := range item.ItemShops.ItemShop {
			id := shop.ShopID.String()
			if id == "" || id == aggregateLocationID {
				continue
			}
			name := strings.TrimSpace(locationNameByID[id])
			if name == "" {
				continue
			}
			qty, ok := parseDecimal(shop.QOH.String())
			if !ok {
				if _, seen := row.Locations[name]; !seen {
					row.Locations[name] = nil
				}
				continue
			}
			byName[name] = byName[name].Add(qty)
			row.Locations[name] = floatPtr(byName[name])
			total = total.Add(qty)
			contributed = true
		}
	}
	if contributed {
		row.QtyTotal = floatPtr(total.Round(quantityDecimalScale))
	}

	return row
}

// matrixAttributes picks color and size from named matrix attributes, then the flat slots
func matrixAttributes(attrs *lightspeed.ItemAttributes) (color, size string) {
	if attrs == nil {
		return "", ""
	}
	values := []string{attrs.Attribute1.String(), attrs.Attribute2.String(), attrs.Attribute3.String()}
	if set := attrs.ItemAttributeSet; set != nil {
		names := []string{set.AttributeName1.String(), set.AttributeName2.String(), set.AttributeName3.String()}
		for i, name := range names {
			switch strings.ToLower(name) {
			case "color", "colour":
				if color == "" {
					color = values[i]
				}
			case "size":
				if size == "" {
					size = values[i]
				}
			}
		}
	}
	if color == "" {
		color = values[0]
	}
	if size == "" {
		size = values[1]
	}
	return color, size
}

// defaultPrice prefers the default price entry, then the first one
func defaultPrice(prices *lightspeed.ItemPrices) (string, *float64) {
	if prices == nil || len(prices.ItemPrice) == 0 {
		return "", nil
	}
	chosen := prices.ItemPrice[0]
	for _, p := range prices.ItemPrice {
		if p.UseTypeID.String() == "1" || strings.EqualFold(p.UseType.String(), "default") {
			chosen = p
			break
		}
	}
	amount := chosen.Amount.String()
	d, ok := parseDecimal(amount)
	if !ok {
		return amount, nil
	}
	return d.StringFixed(2), floatPtr(d)
}

func categoryLabel(id string, categoryNameByID map[string]string) string {
	if id == "" || id == "0" {
		return uncategorizedLabel
	}
	if label := strings.TrimSpace(categoryNameByID[id]); label != "" {
		return label
	}
	return fmt.Sprintf("Category %s", id)
}

func formatItemType(raw string) string {
	words := strings.Fields(itemTypeSeparators.Replace(raw))
	if len(words) == 0 {
		return defaultItemType
	}
	return cases.Title(language.Und).String(strings.Join(words, " "))
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func floatPtr(d decimal.Decimal) *float64 {
	f := d.InexactFloat64()
	return &f
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
