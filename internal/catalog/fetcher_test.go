package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nativeV1 = `{
  "count": 47, "page": 1, "pageCount": 2,
  "Items": [
    {"Item": {"itemName": "高級 美容液", "itemUrl": "https://item.example/a", "itemPrice": 3980,
              "itemCode": "shop:a", "mediumImageUrls": [{"imageUrl": "https://img/m_a.jpg"}],
              "smallImageUrls": [{"imageUrl": "https://img/s_a.jpg"}]}},
    {"Item": {"itemName": "木製 椅子", "itemUrl": "https://item.example/b", "itemPrice": 12000,
              "itemCode": "shop:b", "mediumImageUrls": [],
              "smallImageUrls": [{"imageUrl": "https://img/s_b.jpg"}]}}
  ]
}`

const nativeV2 = `{
  "count": 1, "pageCount": 1,
  "Items": [{"itemName": "ランプ", "itemUrl": "https://item.example/c", "itemPrice": 500,
             "itemCode": "shop:c", "mediumImageUrls": ["https://img/m_c.jpg"]}]
}`

const proxyShape = `{"products": [{"productName": "帽子", "imageUrl": "https://img/h.jpg",
  "itemUrl": "https://item.example/h", "price": "1500", "itemCode": "shop:h"},
  {"name": "靴", "price": null}], "count": 2, "pageCount": 1}`

func TestNormalize_NativeFormatVersion1(t *testing.T) {
	p, err := Normalize([]byte(nativeV1))
	require.NoError(t, err)
	assert.Equal(t, 47, p.TotalCount)
	assert.Equal(t, 2, p.PageCount)
	require.Len(t, p.Products, 2)

	a := p.Products[0]
	assert.Equal(t, "高級 美容液", a.Name)
	assert.Equal(t, "https://img/m_a.jpg", a.ImageURL)
	assert.Equal(t, "shop:a", a.SourceItemID)
	require.NotNil(t, a.Price)
	assert.Equal(t, int64(3980), *a.Price)

	assert.Equal(t, "https://img/s_b.jpg", p.Products[1].ImageURL)
}

func TestNormalize_NativeFormatVersion2(t *testing.T) {
	p, err := Normalize([]byte(nativeV2))
	require.NoError(t, err)
	require.Len(t, p.Products, 1)
	assert.Equal(t, "https://img/m_c.jpg", p.Products[0].ImageURL)
}

func TestNormalize_ProxyShape(t *testing.T) {
	p, err := Normalize([]byte(proxyShape))
	require.NoError(t, err)
	require.Len(t, p.Products, 2)
	assert.Equal(t, "帽子", p.Products[0].Name)
	require.NotNil(t, p.Products[0].Price)
	assert.Equal(t, int64(1500), *p.Products[0].Price)
	assert.Equal(t, "靴", p.Products[1].Name)
	assert.Nil(t, p.Products[1].Price)
}

func TestNormalize_EmptyAndUnknown(t *testing.T) {
	p, err := Normalize([]byte(`{"Items": [], "count": 0}`))
	require.NoError(t, err)
	assert.Empty(t, p.Products)

	_, err = Normalize([]byte(`{"hello": "world"}`))
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "unrecognized")

	_, err = Normalize([]byte(`not json`))
	require.ErrorAs(t, err, &fe)
}

func TestNormalize_NamelessItems(t *testing.T) {
	p, err := Normalize([]byte(`{"products": [{"name": ""}, {"productName": "帽子"}, {"itemCode": "shop:x"}], "count": 3}`))
	require.NoError(t, err)
	require.Len(t, p.Products, 1)
	assert.Equal(t, 2, p.Skipped)

	_, err = Normalize([]byte(`{"Items": [{"Item": {"itemCode": "shop:1"}}, {"itemUrl": "https://item.example/2"}], "count": 60}`))
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "none of 2 listed items")
}

func TestShopCode(t *testing.T) {
	cases := map[string]string{
		"https://www.rakuten.co.jp/myshop/":           "myshop",
		"https://www.rakuten.co.jp/gold/myshop/":      "myshop",
		"https://www.rakuten.co.jp/myshop/item/index": "myshop",
		"  plainshop ":                                "plainshop",
		"https://example.com/othershop/":              "https://example.com/othershop/",
	}
	for in, want := range cases {
		assert.Equal(t, want, ShopCode(in), in)
	}
}

func TestFetchPage_SendsQueryAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "token-1", q.Get("applicationId"))
		assert.Equal(t, "myshop", q.Get("shopCode"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "30", q.Get("hits"))
		_, _ = w.Write([]byte(nativeV1))
	}))
	defer srv.Close()

	f, err := NewFetcher(Options{Endpoint: srv.URL, AuthToken: "token-1"})
	require.NoError(t, err)

	p, err := f.FetchPage(context.Background(), "https://www.rakuten.co.jp/myshop/", 2)
	require.NoError(t, err)
	assert.Len(t, p.Products, 2)
}

func TestFetchPage_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"wrong_parameter","error_description":"specify valid applicationId"}`))
	}))
	defer srv.Close()

	f, err := NewFetcher(Options{Endpoint: srv.URL, AuthToken: "t"})
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), "shop", 1)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusBadRequest, fe.StatusCode)
	assert.Equal(t, "specify valid applicationId", fe.Message)
}

func TestFetchPage_TransportErrorUnwraps(t *testing.T) {
	f, err := NewFetcher(Options{Endpoint: "http://127.0.0.1:1", AuthToken: "t"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.FetchPage(ctx, "shop", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFetcher_RequiresToken(t *testing.T) {
	_, err := NewFetcher(Options{Endpoint: "http://x"})
	assert.Error(t, err)
}
