// Command parser-example is a minimal reference publisher demonstrating
// the external interface a real collector/parser plugin uses to inject a
// record into the pipeline: parse each stdin line as "ip,category,source"
// CSV (or, with -json, as one JSON record), validate it, and publish it
// under the parsed routing-state. Individual collector plugin logic (feed-specific parsing)
// is out of scope; this exists only to exercise the entry point.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/cert-padua/n6pipe/internal/broker"
	"github.com/cert-padua/n6pipe/internal/config"
	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/obs/logging"
	"github.com/cert-padua/n6pipe/internal/routing"
)

func main() {
	iniPath := flag.String("config", "/etc/n6/n6.ini", "path to n6.ini")
	jsonMode := flag.Bool("json", false, "parse stdin as one JSON record per line instead of CSV")
	extraFields := flag.String("extra-fields", "", "comma-separated dotted JSON paths to copy into Extra (json mode only)")
	flag.Parse()

	config.LoadDotEnvIfPresent("")
	logger := logging.NewFromEnv("parser-example")

	cfg, err := config.Load("parser-example", *iniPath)
	if err != nil {
		logger.WithError(err).Fatal("configuration error")
	}

	ctx := context.Background()
	br, err := broker.Open(ctx, cfg.Broker.DSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to open broker")
	}
	defer br.Close()

	var paths []string
	if *extraFields != "" {
		paths = strings.Split(*extraFields, ",")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e *event.Event
		var err error
		if *jsonMode {
			e, err = parseJSONLine([]byte(line), paths)
		} else {
			e, err = parseLine(line)
		}
		if err != nil {
			logger.WithError(err).Warn("skipping malformed line")
			continue
		}
		if err := e.Validate(time.Now(), 5*time.Minute); err != nil {
			logger.WithError(err).Warn("skipping invalid event")
			continue
		}
		body, err := json.Marshal(e)
		if err != nil {
			logger.WithError(err).Warn("skipping unmarshalable event")
			continue
		}
		rk := routing.Key(routing.StateParsed, string(e.Category), e.Provider(), e.Channel())
		if _, err := br.Publish(ctx, nil, rk, nil, body); err != nil {
			logger.WithError(err).Error("publish failed")
		}
	}
}

// parseJSONLine builds an Event from a raw JSON record, reading the closed
// required fields by dotted path and copying the caller-selected paths
// into Extra via gjson rather than unmarshaling into a static struct.
func parseJSONLine(raw []byte, extraPaths []string) (*event.Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("parser-example: invalid json line")
	}
	ip := gjson.GetBytes(raw, "ip").String()
	category := gjson.GetBytes(raw, "category").String()
	source := gjson.GetBytes(raw, "source").String()
	if ip == "" || category == "" || source == "" {
		return nil, fmt.Errorf("parser-example: json line missing ip/category/source")
	}
	return &event.Event{
		ID:          uuid.NewString(),
		Source:      source,
		Restriction: event.RestrictionPublic,
		Confidence:  event.ConfidenceMedium,
		Category:    event.Category(category),
		Time:        time.Now(),
		Address:     []event.Address{{IP: ip}},
		Extra:       event.ExtractExtra(raw, extraPaths),
	}, nil
}

func parseLine(line string) (*event.Event, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("parser-example: expected ip,category,source got %q", line)
	}
	ip, category, source := parts[0], parts[1], parts[2]
	return &event.Event{
		ID:          uuid.NewString(),
		Source:      source,
		Restriction: event.RestrictionPublic,
		Confidence:  event.ConfidenceMedium,
		Category:    event.Category(category),
		Time:        time.Now(),
		Address:     []event.Address{{IP: ip}},
	}, nil
}
