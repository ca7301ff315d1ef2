package lightspeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FlexString accepts JSON strings, numbers, booleans and null. The source API
// is inconsistent about quoting numeric fields.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		// nested structures are not scalar values
		*f = ""
		return nil
	}
	*f = FlexString(trimmed)
	return nil
}

// String returns the trimmed value
func (f FlexString) String() string {
	return strings.TrimSpace(string(f))
}

// OneOrMany decodes either a single object or an array of objects.
// The source API collapses one-element collections into a bare object.
type OneOrMany[T any] []T

func (o *OneOrMany[T]) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*o = nil
		return nil
	}
	if trimmed[0] == '[' {
		var many []T
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	if trimmed[0] == '{' {
		var one T
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return err
		}
		*o = []T{one}
		return nil
	}
	// empty strings stand in for empty relations
	*o = nil
	return nil
}

// Item is a sellable item as returned by the Item resource
type Item struct {
	ItemID       FlexString      `json:"itemID"`
	SystemSku    FlexString      `json:"systemSku"`
	CustomSku    FlexString      `json:"customSku"`
	UPC          FlexString      `json:"upc"`
	EAN          FlexString      `json:"ean"`
	Description  FlexString      `json:"description"`
	CategoryID   FlexString      `json:"categoryID"`
	ItemMatrixID FlexString      `json:"itemMatrixID"`
	ItemType     FlexString      `json:"itemType"`
	Prices       *ItemPrices     `json:"Prices,omitempty"`
	ItemShops    *ItemShops      `json:"ItemShops,omitempty"`
	Attributes   *ItemAttributes `json:"ItemAttributes,omitempty"`
}

type ItemPrices struct {
	ItemPrice OneOrMany[ItemPrice] `json:"ItemPrice"`
}

type ItemPrice struct {
	Amount    FlexString `json:"amount"`
	UseTypeID FlexString `json:"useTypeID"`
	UseType   FlexString `json:"useType"`
}

type ItemShops struct {
	ItemShop OneOrMany[ItemShop] `json:"ItemShop"`
}

// ItemShop is the per-location stock record. shopID "0" is the account-wide aggregate.
type ItemShop struct {
	ShopID FlexString `json:"shopID"`
	QOH    FlexString `json:"qoh"`
}

// ItemAttributes holds matrix attribute values; the set names which attribute is which
type ItemAttributes struct {
	Attribute1       FlexString        `json:"attribute1"`
	Attribute2       FlexString        `json:"attribute2"`
	Attribute3       FlexString        `json:"attribute3"`
	ItemAttributeSet *ItemAttributeSet `json:"ItemAttributeSet,omitempty"`
}

type ItemAttributeSet struct {
	AttributeName1 FlexString `json:"attributeName1"`
	AttributeName2 FlexString `json:"attributeName2"`
	AttributeName3 FlexString `json:"attributeName3"`
}

// Shop is a store location
type Shop struct {
	ShopID   FlexString `json:"shopID"`
	Name     FlexString `json:"name"`
	Archived FlexString `json:"archived"`
}

// Category is a catalog category
type Category struct {
	CategoryID   FlexString `json:"categoryID"`
	Name         FlexString `json:"name"`
	FullPathName FlexString `json:"fullPathName"`
}

// Page is one decoded page of a list resource
type Page struct {
	Items    []json.RawMessage
	Count    int
	HasCount bool
}

type pageAttributes struct {
	Count  FlexString `json:"count"`
	Offset FlexString `json:"offset"`
	Limit  FlexString `json:"limit"`
}

// ParsePage decodes `{ <resource>: item | item[], "@attributes": {count} }`
func ParsePage(resource string, body []byte) (*Page, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s page: %w", resource, err)
	}

	page := &Page{}
	if raw, ok := envelope["@attributes"]; ok {
		var attrs pageAttributes
		if err := json.Unmarshal(raw, &attrs); err == nil {
			var count int
			if _, err := fmt.Sscanf(attrs.Count.String(), "%d", &count); err == nil {
				page.Count = count
				page.HasCount = true
			}
		}
	}

	raw := bytes.TrimSpace(envelope[resource])
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '[':
		if err := json.Unmarshal(raw, &page.Items); err != nil {
			return nil, fmt.Errorf("decode %s records: %w", resource, err)
		}
	case raw[0] == '{':
		page.Items = []json.RawMessage{json.RawMessage(raw)}
	}
	return page, nil
}

// ParseItems decodes raw Item records. Records that cannot be decoded are skipped and counted.
func ParseItems(raw []json.RawMessage) ([]Item, int) {
	return parseAll[Item](raw)
}

// ParseShops decodes raw Shop records
func ParseShops(raw []json.RawMessage) ([]Shop, int) {
	return parseAll[Shop](raw)
}

// ParseCategories decodes raw Category records
func ParseCategories(raw []json.RawMessage) ([]Category, int) {
	return parseAll[Category](raw)
}

func parseAll[T any](raw []json.RawMessage) ([]T, int) {
	out := make([]T, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			skipped++
			continue
		}
		out = append(out, v)
	}
	return out, skipped
}

// relations are sometimes sent as "" when empty
func isObject(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func (p *ItemPrices) UnmarshalJSON(b []byte) error {
	type plain ItemPrices
	if !isObject(b) {
		*p = ItemPrices{}
		return nil
	}
	return json.Unmarshal(b, (*plain)(p))
}

func (s *ItemShops) UnmarshalJSON(b []byte) error {
	type plain ItemShops
	if !isObject(b) {
		*s = ItemShops{}
		return nil
	}
	return json.Unmarshal(b, (*plain)(s))
}

func (a *ItemAttributes) UnmarshalJSON(b []byte) error {
	type plain ItemAttributes
	if !isObject(b) {
		*a = ItemAttributes{}
		return nil
	}
	return json.Unmarshal(b, (*plain)(a))
}
