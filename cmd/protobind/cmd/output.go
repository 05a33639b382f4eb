package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/yaml.v3"
)

type report struct {
	Interpreter string       `json:"interpreter" yaml:"interpreter"`
	Files       []fileReport `json:"files" yaml:"files"`
	Cache       cacheReport  `json:"cache" yaml:"cache"`
}

type fileReport struct {
	Path       string `json:"path" yaml:"path"`
	Package    string `json:"package" yaml:"package"`
	Syntax     string `json:"syntax" yaml:"syntax"`
	Messages   int    `json:"messages" yaml:"messages"`
	Fields     int    `json:"fields" yaml:"fields"`
	Extensions int    `json:"extensions" yaml:"extensions"`
}

type cacheReport struct {
	// Wrapped is the number of wrappers created by the first pass.
	Wrapped int    `json:"wrapped" yaml:"wrapped"`
	Adds    uint64 `json:"adds" yaml:"adds"`
	Deletes uint64 `json:"deletes" yaml:"deletes"`
	Hits    uint64 `json:"hits" yaml:"hits"`
	Misses  uint64 `json:"misses" yaml:"misses"`
	// Stable is true if every pass after the first got the same wrappers.
	Stable bool `json:"stable" yaml:"stable"`
	// LiveAfterRelease counts cache entries left over once every wrapper
	// was released. Anything but zero is a leak.
	LiveAfterRelease int `json:"live_after_release" yaml:"live_after_release"`
}

type formatter func(io.Writer, *report) error

func formatterFor(output string) (formatter, error) {
	switch output {
	case "", "table":
		return writeTable, nil
	case "json":
		return writeJSON, nil
	case "yaml":
		return writeYAML, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want table, json or yaml)", output)
	}
}

func writeReport(w io.Writer, output string, rep *report) error {
	f, err := formatterFor(output)
	if err != nil {
		return err
	}
	return f(w, rep)
}

func writeJSON(w io.Writer, rep *report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeYAML(w io.Writer, rep *report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return err
	}
	return enc.Close()
}

func writeTable(w io.Writer, rep *report) error {
	files := tablewriter.NewWriter(w)
	files.Header("File", "Package", "Syntax", "Messages", "Fields", "Extensions")
	for _, f := range rep.Files {
		err := files.Append([]string{
			f.Path,
			f.Package,
			f.Syntax,
			strconv.Itoa(f.Messages),
			strconv.Itoa(f.Fields),
			strconv.Itoa(f.Extensions),
		})
		if err != nil {
			return err
		}
	}
	if err := files.Render(); err != nil {
		return err
	}

	cache := tablewriter.NewWriter(w)
	cache.Header("Property", "Value")
	rows := [][]string{
		{"Interpreter", rep.Interpreter},
		{"Wrapped", strconv.Itoa(rep.Cache.Wrapped)},
		{"Adds", strconv.FormatUint(rep.Cache.Adds, 10)},
		{"Deletes", strconv.FormatUint(rep.Cache.Deletes, 10)},
		{"Hits", strconv.FormatUint(rep.Cache.Hits, 10)},
		{"Misses", strconv.FormatUint(rep.Cache.Misses, 10)},
		{"Stable", strconv.FormatBool(rep.Cache.Stable)},
		{"Live after release", strconv.Itoa(rep.Cache.LiveAfterRelease)},
	}
	for _, row := range rows {
		if err := cache.Append(row); err != nil {
			return err
		}
	}
	return cache.Render()
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}
