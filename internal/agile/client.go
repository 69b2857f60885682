package agile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/clambin/go-common/http/metrics"
	"github.com/clambin/go-common/http/roundtripper"
	json "github.com/goccy/go-json"
)

const (
	// DefaultBaseURL is the public Octopus Energy API. No credential is needed
	// for tariff unit rates.
	DefaultBaseURL = "https://api.octopus.energy"

	// DefaultProduct is the current Agile tariff product code.
	DefaultProduct = "AGILE-24-10-01"

	maxFetchRetries = 3
	pageSize        = 1500
)

// Region is the DNO region letter (A-P) that selects the regional tariff.
type Region string

// Slot is one half-hour tariff interval. Slots are immutable once fetched.
type Slot struct {
	Region     Region    `json:"region"`
	From       time.Time `json:"validFrom"`
	To         time.Time `json:"validTo"`
	PricePence float64   `json:"pricePence"` // pence per kWh, including VAT
}

// Contains reports whether t falls within the slot's [From, To) interval.
func (s Slot) Contains(t time.Time) bool {
	return !t.Before(s.From) && t.Before(s.To)
}

// Client fetches unit rates from the Octopus Energy API.
type Client struct {
	BaseURL    string
	Product    string
	HTTPClient *http.Client
}

func NewClient(product string) *Client {
	if product == "" {
		product = DefaultProduct
	}
	return &Client{
		BaseURL:    DefaultBaseURL,
		Product:    product,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewInstrumentedClient returns a Client whose outbound calls are measured
// with m. The caller registers m on its Prometheus registry.
func NewInstrumentedClient(product string, m metrics.RequestMetrics) *Client {
	c := NewClient(product)
	c.HTTPClient.Transport = roundtripper.New(
		roundtripper.WithRequestMetrics(m),
		roundtripper.WithRoundTripper(http.DefaultTransport),
	)
	return c
}

// NewCallMetrics builds the request metrics for the Octopus API. Tariff pages
// carry the product and period in the path, so paths are collapsed to the
// products root to keep the label cardinality down.
func NewCallMetrics() metrics.RequestMetrics {
	return metrics.NewRequestMetrics(metrics.Options{
		Namespace: "minerhive",
		Subsystem: "octopus",
		LabelValues: func(request *http.Request, statusCode int) (string, string, string) {
			const productsPath = "/v1/products"
			path := request.URL.Path
			if strings.HasPrefix(path, productsPath) {
				path = productsPath
			}
			return request.Method, path, strconv.Itoa(statusCode)
		},
	})
}

type unitRatesResponse struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []struct {
		ValueIncVAT float64   `json:"value_inc_vat"`
		ValidFrom   time.Time `json:"valid_from"`
		ValidTo     time.Time `json:"valid_to"`
	} `json:"results"`
}

// GetUnitRates returns all half-hourly unit rates for the region between from
// and to, in ascending order. The endpoint is paginated; all pages are
// followed. Transient failures are retried with exponential backoff.
func (c *Client) GetUnitRates(ctx context.Context, region Region, from, to time.Time) ([]Slot, error) {
	tariff := fmt.Sprintf("E-1R-%s-%s", c.Product, region)
	next := fmt.Sprintf("%s/v1/products/%s/electricity-tariffs/%s/standard-unit-rates/?period_from=%s&period_to=%s&page_size=%d",
		c.BaseURL, c.Product, tariff,
		url.QueryEscape(from.UTC().Format(time.RFC3339)),
		url.QueryEscape(to.UTC().Format(time.RFC3339)),
		pageSize,
	)

	var slots []Slot
	for next != "" {
		page, err := c.getPage(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Results {
			slots = append(slots, Slot{
				Region:     region,
				From:       r.ValidFrom,
				To:         r.ValidTo,
				PricePence: r.ValueIncVAT,
			})
		}
		next = page.Next
	}
	return normalize(slots), nil
}

func (c *Client) getPage(ctx context.Context, pageURL string) (unitRatesResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxFetchRetries; attempt++ {
		page, err := c.doGet(ctx, pageURL)
		if err == nil {
			return page, nil
		}
		lastErr = err

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return unitRatesResponse{}, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return unitRatesResponse{}, lastErr
}

func (c *Client) doGet(ctx context.Context, pageURL string) (unitRatesResponse, error) {
	var page unitRatesResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return page, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return page, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return page, fmt.Errorf("octopus: unexpected status %s", resp.Status)
	}
	if err = json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return page, fmt.Errorf("octopus: decode: %w", err)
	}
	return page, nil
}
