package lightspeed

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePage(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		items    int
		count    int
		hasCount bool
	}{
		{"array with string count", `{"@attributes":{"count":"1234","offset":"0","limit":"500"},"Item":[{"itemID":"1"},{"itemID":"2"}]}`, 2, 1234, true},
		{"single object", `{"@attributes":{"count":1},"Shop":{"shopID":"1"}}`, 1, 1, true},
		{"no records", `{"@attributes":{"count":"0"}}`, 0, 0, true},
		{"no attributes", `{"Item":[{"itemID":"1"}]}`, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resource := ResourceItem
			if tt.name == "single object" {
				resource = ResourceShop
			}
			page, err := ParsePage(resource, []byte(tt.body))
			require.NoError(t, err)
			assert.Len(t, page.Items, tt.items)
			assert.Equal(t, tt.count, page.Count)
			assert.Equal(t, tt.hasCount, page.HasCount)
		})
	}

	_, err := ParsePage(ResourceItem, []byte("<html>oops</html>"))
	assert.Error(t, err)
}

func TestParseItems_LooseShapes(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{
			"itemID": 42,
			"customSku": "SKU-1",
			"itemMatrixID": "0",
			"Prices": {"ItemPrice": {"amount": "19.5", "useTypeID": "1", "useType": "Default"}},
			"ItemShops": {"ItemShop": [{"shopID": "0", "qoh": "9"}, {"shopID": 1, "qoh": 4}]},
			"ItemAttributes": {"attribute1": "Red", "attribute2": "M", "ItemAttributeSet": {"attributeName1": "Color", "attributeName2": "Size"}}
		}`),
		json.RawMessage(`{"itemID": "43", "Prices": "", "ItemShops": null}`),
		json.RawMessage(`"not an object"`),
	}

	items, skipped := ParseItems(raw)
	require.Len(t, items, 2)
	assert.Equal(t, 1, skipped)

	first := items[0]
	assert.Equal(t, "42", first.ItemID.String())
	require.NotNil(t, first.Prices)
	require.Len(t, first.Prices.ItemPrice, 1)
	assert.Equal(t, "19.5", first.Prices.ItemPrice[0].Amount.String())
	require.NotNil(t, first.ItemShops)
	require.Len(t, first.ItemShops.ItemShop, 2)
	assert.Equal(t, "1", first.ItemShops.ItemShop[1].ShopID.String())
	assert.Equal(t, "4", first.ItemShops.ItemShop[1].QOH.String())
	assert.Equal(t, "Color", first.Attributes.ItemAttributeSet.AttributeName1.String())

	assert.Nil(t, items[1].ItemShops)
}
