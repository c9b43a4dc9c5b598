package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/digimosa/shop-patrol/internal/models"
)

// envelope covers the native search response (both format versions) and
// the proxy shape. Pointers distinguish an absent list from an empty one.
type envelope struct {
	Items     *[]json.RawMessage `json:"Items"`
	Products  *[]proxyProduct    `json:"products"`
	Count     int                `json:"count"`
	PageCount int                `json:"pageCount"`
}

type nativeWrapper struct {
	Item *nativeItem `json:"Item"`
}

type nativeItem struct {
	ItemName        string      `json:"itemName"`
	ItemURL         string      `json:"itemUrl"`
	ItemPrice       flexPrice   `json:"itemPrice"`
	ItemCode        string      `json:"itemCode"`
	MediumImageURLs []imageTier `json:"mediumImageUrls"`
	SmallImageURLs  []imageTier `json:"smallImageUrls"`
}

type proxyProduct struct {
	ProductName string    `json:"productName"`
	Name        string    `json:"name"`
	ImageURL    string    `json:"imageUrl"`
	ItemURL     string    `json:"itemUrl"`
	Price       flexPrice `json:"price"`
	ItemCode    string    `json:"itemCode"`
}

// imageTier is either {"imageUrl": "..."} (formatVersion 1) or a bare
// string (formatVersion 2).
type imageTier string

func (t *imageTier) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = imageTier(s)
		return nil
	}
	var obj struct {
		ImageURL string `json:"imageUrl"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*t = imageTier(obj.ImageURL)
	return nil
}

// flexPrice accepts a number, a numeric string, or null.
type flexPrice struct {
	v *int64
}

func (p *flexPrice) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		p.v = &n
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		n := int64(f)
		p.v = &n
	}
	return nil
}

// Normalize converts a catalog response body into a Page.
func Normalize(body []byte) (Page, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Page{}, &FetchError{StatusCode: 200, Message: "malformed catalog response", Err: err}
	}

	switch {
	case env.Items != nil:
		products := make([]models.ProductRecord, 0, len(*env.Items))
		for _, raw := range *env.Items {
			item, err := decodeNative(raw)
			if err != nil {
				return Page{}, &FetchError{StatusCode: 200, Message: "malformed catalog item", Err: err}
			}
			if item.ItemName == "" {
				continue
			}
			products = append(products, item.record())
		}
		return newPage(products, len(*env.Items), env)

	case env.Products != nil:
		products := make([]models.ProductRecord, 0, len(*env.Products))
		for _, p := range *env.Products {
			name := p.ProductName
			if name == "" {
				name = p.Name
			}
			if name == "" {
				continue
			}
			products = append(products, models.ProductRecord{
				Name:         name,
				ImageURL:     p.ImageURL,
				CanonicalURL: p.ItemURL,
				Price:        p.Price.v,
				SourceItemID: p.ItemCode,
			})
		}
		return newPage(products, len(*env.Products), env)
	}

	return Page{}, &FetchError{StatusCode: 200, Message: "unrecognized catalog response"}
}

// newPage builds a Page from the named products out of listed entries. A
// non-empty listing with no usable entry is an error, not the end of the
// catalog.
func newPage(products []models.ProductRecord, listed int, env envelope) (Page, error) {
	if listed > 0 && len(products) == 0 {
		return Page{}, &FetchError{StatusCode: 200, Message: fmt.Sprintf("none of %d listed items has a name", listed)}
	}
	return Page{
		Products:   products,
		Skipped:    listed - len(products),
		TotalCount: env.Count,
		PageCount:  env.PageCount,
	}, nil
}

func decodeNative(raw json.RawMessage) (nativeItem, error) {
	var w nativeWrapper
	if err := json.Unmarshal(raw, &w); err != nil {
		return nativeItem{}, err
	}
	if w.Item != nil {
		return *w.Item, nil
	}
	var flat nativeItem
	err := json.Unmarshal(raw, &flat)
	return flat, err
}

func (it nativeItem) record() models.ProductRecord {
	return models.ProductRecord{
		Name:         it.ItemName,
		ImageURL:     firstImage(it.MediumImageURLs, it.SmallImageURLs),
		CanonicalURL: it.ItemURL,
		Price:        it.ItemPrice.v,
		SourceItemID: it.ItemCode,
	}
}

func firstImage(tiers ...[]imageTier) string {
	for _, tier := range tiers {
		for _, img := range tier {
			if img != "" {
				return string(img)
			}
		}
	}
	return ""
}

func errorMessage(body []byte) string {
	var e struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch {
		case e.ErrorDescription != "":
			return e.ErrorDescription
		case e.Error != "":
			return e.Error
		case e.Message != "":
			return e.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
