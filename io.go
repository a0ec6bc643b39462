package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the YAML run configuration.
type Config struct {
	// Ordered category labels, e.g. [normal, overweight, obese].
	Categories []string `yaml:"categories"`

	// Multinomial reference category; empty = first label.
	Reference string `yaml:"reference"`

	// Basis functions per category smooth; 0 = one per ~5 years.
	BasisSize int `yaml:"basis_size"`

	// Exponent of |i-j| for the transition cost; 0 = 1.5.
	CostExponent float64 `yaml:"cost_exponent"`

	// Age grid; nil bounds = data range, step 0 = 1 year.
	AgeMin  *float64 `yaml:"age_min,omitempty"`
	AgeMax  *float64 `yaml:"age_max,omitempty"`
	AgeStep float64  `yaml:"age_step"`

	// Bootstrap controls.
	Replicates int     `yaml:"replicates"`
	Seed       int64   `yaml:"seed"`
	Confidence float64 `yaml:"confidence"`
	MinSuccess int     `yaml:"min_success"`
	Workers    int     `yaml:"workers"`
	MaxSeconds float64 `yaml:"max_seconds"`

	// Paths.
	Input          string `yaml:"input"`
	TransitionsOut string `yaml:"transitions_out"`
	BootstrapOut   string `yaml:"bootstrap_out"`
	PrevalenceOut  string `yaml:"prevalence_out"`
}

// LoadConfig reads, defaults and validates a YAML run configuration.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Reference == "" && len(c.Categories) > 0 {
		c.Reference = c.Categories[0]
	}
	if c.CostExponent == 0 {
		c.CostExponent = 1.5
	}
	if c.AgeStep == 0 {
		c.AgeStep = 1
	}
	if c.Replicates == 0 {
		c.Replicates = 2000
	}
	if c.Confidence == 0 {
		c.Confidence = 0.95
	}
	if c.TransitionsOut == "" {
		c.TransitionsOut = "transitions.csv"
	}
	if c.BootstrapOut == "" {
		c.BootstrapOut = "bootstrap.csv"
	}
}

func (c *Config) validate() error {
	if len(c.Categories) < 2 {
		return &ConfigError{Field: "categories", Reason: fmt.Sprintf("need at least 2 ordered categories, got %d", len(c.Categories))}
	}
	found := false
	for _, cat := range c.Categories {
		if cat == c.Reference {
			found = true
			break
		}
	}
	if !found {
		return &ConfigError{Field: "reference", Reason: fmt.Sprintf("category %q not in category order", c.Reference)}
	}
	if c.BasisSize != 0 && c.BasisSize < smoothMinBasis {
		return &ConfigError{Field: "basis_size", Reason: fmt.Sprintf("need at least %d, got %d", smoothMinBasis, c.BasisSize)}
	}
	if c.CostExponent < 0 {
		return &ConfigError{Field: "cost_exponent", Reason: fmt.Sprintf("must be positive, got %g", c.CostExponent)}
	}
	if c.AgeStep <= 0 {
		return &ConfigError{Field: "age_step", Reason: fmt.Sprintf("must be positive, got %g", c.AgeStep)}
	}
	if c.AgeMin != nil && c.AgeMax != nil && *c.AgeMax <= *c.AgeMin {
		return &ConfigError{Field: "age_max", Reason: fmt.Sprintf("%g not above age_min %g", *c.AgeMax, *c.AgeMin)}
	}
	if c.Replicates < 0 {
		return &ConfigError{Field: "replicates", Reason: fmt.Sprintf("must be positive, got %d", c.Replicates)}
	}
	if c.Confidence <= 0 || c.Confidence >= 1 {
		return &ConfigError{Field: "confidence", Reason: fmt.Sprintf("must be in (0,1), got %g", c.Confidence)}
	}
	return nil
}

// AgeGrid builds the evaluation grid, falling back to the data's age
// range where the config leaves a bound open.
func (c *Config) AgeGrid(dataMin, dataMax float64) []float64 {
	lo, hi := dataMin, dataMax
	if c.AgeMin != nil {
		lo = *c.AgeMin
	}
	if c.AgeMax != nil {
		hi = *c.AgeMax
	}
	var grid []float64
	for a := lo; a <= hi+1e-9; a += c.AgeStep {
		grid = append(grid, a)
	}
	return grid
}

// LoadCategoryCounts loads records from a CSV file with the header
// age,category,count.
func LoadCategoryCounts(path string) ([]CategoryCount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) != 3 ||
		!strings.EqualFold(strings.TrimSpace(header[0]), "age") ||
		!strings.EqualFold(strings.TrimSpace(header[1]), "category") ||
		!strings.EqualFold(strings.TrimSpace(header[2]), "count") {
		return nil, fmt.Errorf("expected header age,category,count in %s, got %v", path, header)
	}

	var records []CategoryCount
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		// Physical line in the file, immune to blank lines the reader skips.
		row, _ := r.FieldPos(0)
		if len(record) == 1 && record[0] == "" {
			continue
		}

		age, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			return nil, fmt.Errorf("parse age at row %d (%q): %w", row, record[0], err)
		}
		count, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parse count at row %d (%q): %w", row, record[2], err)
		}
		if count < 0 {
			return nil, fmt.Errorf("row %d: negative count %g", row, count)
		}

		records = append(records, CategoryCount{
			Age:      age,
			Category: strings.TrimSpace(record[1]),
			Count:    count,
		})
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}
	return records, nil
}

// WriteTransitionsCSV writes the point-estimate transitions in long
// form: one row per age pair and category pair, with the flow and the
// net annual transition probability.
func WriteTransitionsCSV(path string, transitions []AgeTransition, categories []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"age_from", "age_to", "from", "to", "flow", "probability", "identity_row"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, at := range transitions {
		identity := make(map[int]bool, len(at.IdentityRows))
		for _, r := range at.IdentityRows {
			identity[r] = true
		}
		for i, from := range categories {
			for j, to := range categories {
				record := []string{
					fmt.Sprintf("%g", at.AgeFrom),
					fmt.Sprintf("%g", at.AgeTo),
					from,
					to,
					fmt.Sprintf("%.8f", at.Flow.At(i, j)),
					fmt.Sprintf("%.8f", at.Probability.At(i, j)),
					fmt.Sprintf("%t", identity[i]),
				}
				if err := writer.Write(record); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// WriteBootstrapCSV writes the bootstrap bands in long form: point
// estimate plus lower and upper percentile bounds per entry.
func WriteBootstrapCSV(path string, result *BootstrapResult, categories []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"age_from", "age_to", "from", "to", "probability", "lower", "upper"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for p, at := range result.Point {
		for i, from := range categories {
			for j, to := range categories {
				record := []string{
					fmt.Sprintf("%g", at.AgeFrom),
					fmt.Sprintf("%g", at.AgeTo),
					from,
					to,
					fmt.Sprintf("%.8f", at.Probability.At(i, j)),
					fmt.Sprintf("%.8f", result.Lower[p].At(i, j)),
					fmt.Sprintf("%.8f", result.Upper[p].At(i, j)),
				}
				if err := writer.Write(record); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// WritePrevalenceCSV writes the fitted prevalence curves over the age
// grid, one row per age and category.
func WritePrevalenceCSV(path string, model *SmoothModel, ageGrid []float64) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"age", "category", "prevalence"}); err != nil {
		return err
	}
	for _, age := range ageGrid {
		p := model.Prevalence(age)
		for k, cat := range model.Categories {
			record := []string{
				fmt.Sprintf("%g", age),
				cat,
				fmt.Sprintf("%.8f", p[k]),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}
	return nil
}
