package collector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/minerhive/minerhive/internal/poller"
)

var (
	deviceUp = prometheus.NewDesc(
		prometheus.BuildFQName("minerhive", "device", "up"),
		"1 if the device answered the last telemetry poll",
		[]string{"device", "class"},
		nil,
	)
	deviceTemperature = prometheus.NewDesc(
		prometheus.BuildFQName("minerhive", "device", "temperature_celsius"),
		"Current device temperature in degrees celsius",
		[]string{"device", "class"},
		nil,
	)
	deviceHashRate = prometheus.NewDesc(
		prometheus.BuildFQName("minerhive", "device", "hashrate_hs"),
		"Current device hash rate in hashes per second",
		[]string{"device", "class"},
		nil,
	)
	deviceRejectRate = prometheus.NewDesc(
		prometheus.BuildFQName("minerhive", "device", "reject_ratio"),
		"Rejected shares as a fraction of total shares (0-1)",
		[]string{"device", "class"},
		nil,
	)
	devicePower = prometheus.NewDesc(
		prometheus.BuildFQName("minerhive", "device", "power_watts"),
		"Current device power draw in watts",
		[]string{"device", "class"},
		nil,
	)
	pricePence = prometheus.NewDesc(
		prometheus.BuildFQName("minerhive", "price", "pence_per_kwh"),
		"Current Agile electricity price in pence per kWh",
		[]string{"region"},
		nil,
	)
	priceStale = prometheus.NewDesc(
		prometheus.BuildFQName("minerhive", "price", "stale"),
		"1 if the price feed is serving cached data",
		nil,
		nil,
	)
)

// Collector exposes the last poller update as Prometheus metrics.
type Collector struct {
	Poller     *poller.Poller
	Logger     *slog.Logger
	lock       sync.RWMutex
	lastUpdate *poller.Update
}

func (c *Collector) Run(ctx context.Context) error {
	c.Logger.Debug("started")
	defer c.Logger.Debug("stopped")

	ch := c.Poller.Subscribe()
	defer c.Poller.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-ch:
			c.lock.Lock()
			c.lastUpdate = &update
			c.lock.Unlock()
		}
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- deviceUp
	ch <- deviceTemperature
	ch <- deviceHashRate
	ch <- deviceRejectRate
	ch <- devicePower
	ch <- pricePence
	ch <- priceStale
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.RLock()
	update := c.lastUpdate
	c.lock.RUnlock()
	if update == nil {
		return
	}

	for _, dev := range update.Devices {
		labels := []string{dev.Name, string(dev.Class)}
		tp, ok := update.Telemetry[dev.ID]
		up := 0.0
		if ok {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(deviceUp, prometheus.GaugeValue, up, labels...)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(deviceTemperature, prometheus.GaugeValue, tp.TemperatureC, labels...)
		ch <- prometheus.MustNewConstMetric(deviceHashRate, prometheus.GaugeValue, tp.HashRate, labels...)
		ch <- prometheus.MustNewConstMetric(deviceRejectRate, prometheus.GaugeValue, tp.RejectRate, labels...)
		if tp.PowerW > 0 {
			ch <- prometheus.MustNewConstMetric(devicePower, prometheus.GaugeValue, tp.PowerW, labels...)
		}
	}

	if update.Price != nil {
		ch <- prometheus.MustNewConstMetric(pricePence, prometheus.GaugeValue, update.Price.PricePence, string(update.Price.Region))
		stale := 0.0
		if update.PriceStale {
			stale = 1.0
		}
		ch <- prometheus.MustNewConstMetric(priceStale, prometheus.GaugeValue, stale)
	}
}
