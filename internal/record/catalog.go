package record

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Order groups the products manufactured (or logged) together.
type Order struct {
	ID         string
	Name       string
	Equipment  string
	ProductIDs []string
}

// Product is one item of an order. ParentID names the instruction or
// equipment activity whose steps it follows.
type Product struct {
	ID       string
	Name     string
	ParentID string
}

// DecodeOrders reads an order list, sorted by name.
func DecodeOrders(res Resource, data []byte) ([]Order, error) {
	doc, err := decodeArray(data, res.OrdersPath)
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(doc))
	for _, item := range doc {
		if !item.IsObject() {
			return nil, fmt.Errorf("record: %s entry must be an object", res.OrdersPath)
		}
		order := Order{
			ID:        item.Get("_id").String(),
			Name:      item.Get(res.OrderName).String(),
			Equipment: item.Get("equipmentInfo.equipment_name").String(),
		}
		for _, id := range item.Get(res.OrderItems).Array() {
			if id.IsObject() {
				id = id.Get("_id")
			}
			if v := id.String(); v != "" {
				order.ProductIDs = append(order.ProductIDs, v)
			}
		}
		orders = append(orders, order)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return strings.ToLower(orders[i].Name) < strings.ToLower(orders[j].Name)
	})
	return orders, nil
}

// DecodeProducts reads a product list.
func DecodeProducts(res Resource, data []byte) ([]Product, error) {
	doc, err := decodeArray(data, res.ProductPath)
	if err != nil {
		return nil, err
	}
	products := make([]Product, 0, len(doc))
	for _, item := range doc {
		if !item.IsObject() {
			return nil, fmt.Errorf("record: %s entry must be an object", res.ProductPath)
		}
		parent := item.Get(res.ParentField)
		if parent.IsObject() {
			parent = parent.Get("_id")
		}
		products = append(products, Product{
			ID:       item.Get("_id").String(),
			Name:     item.Get(res.ProductName).String(),
			ParentID: parent.String(),
		})
	}
	return products, nil
}

func decodeArray(data []byte, what string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("record: invalid %s document", what)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		return nil, fmt.Errorf("record: %s document must be an array", what)
	}
	return doc.Array(), nil
}
