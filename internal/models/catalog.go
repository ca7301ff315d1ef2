package models

// CatalogRow is one normalized source item as served by the query API
type CatalogRow struct {
	ID       string `json:"id"`
	ItemID   string `json:"itemId"`
	MatrixID string `json:"matrixId,omitempty"`

	Description string `json:"description"`
	CustomSku   string `json:"customSku"`
	SystemSku   string `json:"systemSku"`
	UPC         string `json:"upc"`
	EAN         string `json:"ean"`
	Color       string `json:"color"`
	Size        string `json:"size"`
	CategoryID  string `json:"categoryId,omitempty"`
	Category    string `json:"category"`
	ItemType    string `json:"itemType"`

	RetailPrice       string   `json:"retailPrice"`
	RetailPriceNumber *float64 `json:"retailPriceNumber"`

	// Locations is keyed by location display name; a nil quantity means the source sent none
	Locations map[string]*float64 `json:"locations"`
	QtyTotal  *float64            `json:"qtyTotal"`
}

// Facets lists the distinct filter values present in a snapshot
type Facets struct {
	Categories []string `json:"categories"`
	ItemTypes  []string `json:"itemTypes"`
	Locations  []string `json:"locations"`
}
