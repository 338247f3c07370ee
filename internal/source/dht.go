package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/randomstring/MQTTsensord/internal/config"
	"github.com/randomstring/MQTTsensord/internal/reading"
)

// Reader performs one blocking temperature/humidity read. Temperature
// is in degrees Celsius, humidity in percent relative humidity.
type Reader interface {
	Read(ctx context.Context) (temperature, humidity float64, err error)
}

// IIOReader reads a DHT11/DHT22 through the Linux dht11 IIO driver
// (dtoverlay=dht11,gpiopin=N on a Raspberry Pi). The driver exposes
// milli-units in in_temp_input and in_humidityrelative_input.
type IIOReader struct {
	Dir string
}

// Read reads both channels. The driver returns EIO when the sensor
// misses its timing window; callers are expected to retry.
func (r IIOReader) Read(ctx context.Context) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	temp, err := readMilli(filepath.Join(r.Dir, "in_temp_input"))
	if err != nil {
		return 0, 0, err
	}
	hum, err := readMilli(filepath.Join(r.Dir, "in_humidityrelative_input"))
	if err != nil {
		return 0, 0, err
	}
	return temp, hum, nil
}

func readMilli(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return float64(v) / 1000, nil
}

// dhtRetryDelay matches the DHT22's minimum sampling period.
const dhtRetryDelay = 2 * time.Second

// DHT is a temperature/humidity source. Each poll retries the
// underlying read up to the configured number of attempts.
type DHT struct {
	name       string
	model      config.SensorType
	reader     Reader
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewDHT creates a DHT source. retries below 1 is treated as 1.
func NewDHT(name string, model config.SensorType, reader Reader, retries int, logger *slog.Logger) *DHT {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 1 {
		retries = 1
	}
	return &DHT{
		name:       name,
		model:      model,
		reader:     reader,
		retries:    retries,
		retryDelay: dhtRetryDelay,
		logger:     logger,
	}
}

// Poll returns {"temperature": t, "humidity": h} rounded to two places.
func (d *DHT) Poll(ctx context.Context) (reading.Reading, error) {
	var lastErr error
	for attempt := 1; attempt <= d.retries; attempt++ {
		temp, hum, err := d.reader.Read(ctx)
		if err == nil {
			err = plausible(temp, hum)
		}
		if err == nil {
			return reading.New(
				reading.Field{Name: "temperature", Value: reading.Float(round2(temp))},
				reading.Field{Name: "humidity", Value: reading.Float(round2(hum))},
			), nil
		}
		lastErr = err

		if attempt == d.retries {
			break
		}
		d.logger.Debug("dht read failed, retrying",
			"model", string(d.model),
			"attempt", attempt,
			"max_attempts", d.retries,
			"error", err,
		)
		if !sleepCtx(ctx, d.retryDelay) {
			lastErr = ctx.Err()
			break
		}
	}

	return reading.Reading{}, &Error{
		Sensor:   d.name,
		Op:       "read " + string(d.model),
		Err:      lastErr,
		ExitCode: -1,
	}
}

// plausible rejects the garbage values a DHT returns on a checksum race.
func plausible(temp, hum float64) error {
	if math.IsNaN(temp) || math.IsNaN(hum) {
		return fmt.Errorf("sensor returned NaN")
	}
	if hum < 0 || hum > 100 {
		return fmt.Errorf("humidity %.1f%% out of range", hum)
	}
	if temp < -40 || temp > 125 {
		return fmt.Errorf("temperature %.1fC out of range", temp)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
