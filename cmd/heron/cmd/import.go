package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
)

var importCmd = &cobra.Command{
	Use:   "import <customers.csv>",
	Short: "Load customers (and optionally orders) from CSV into the configured store",
	Long: `Customer columns, matched case-insensitively with underscores ignored:
  id, name, email, phone, city, country, total_spent, visit_count,
  churn_risk, tags (semicolon separated), is_active, registration_date, last_visit
Order columns:
  id, customer_id, amount, order_date
Dates are YYYY-MM-DD or RFC 3339. Orders load after every customer.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().String("tenant", "", "tenant id (required)")
	importCmd.Flags().String("orders", "", "orders CSV file")
	importCmd.Flags().Int("workers", 8, "number of concurrent writers")
	_ = importCmd.MarkFlagRequired("tenant")
}

// ImportStats tracks rows written and rejected.
type ImportStats struct {
	Customers      int64
	Orders         int64
	CustomerErrors int64
	OrderErrors    int64
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	tenantID, _ := cmd.Flags().GetString("tenant")
	ordersPath, _ := cmd.Flags().GetString("orders")
	workers, _ := cmd.Flags().GetInt("workers")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	customers, err := readCSVFile(args[0], parseCustomer)
	if err != nil {
		return err
	}
	var orders []*domain.Order
	if ordersPath != "" {
		if orders, err = readCSVFile(ordersPath, parseOrder); err != nil {
			return err
		}
	}

	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	start := time.Now()
	stats := importAll(ctx, repo, tenantID, customers, orders, workers)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d customers (%d failed), %d orders (%d failed) in %s\n",
		stats.Customers, stats.CustomerErrors, stats.Orders, stats.OrderErrors, time.Since(start).Round(time.Millisecond))

	if stats.CustomerErrors+stats.OrderErrors > 0 {
		return errors.New("some rows failed to import")
	}
	return nil
}

func importAll(ctx context.Context, repo domain.Repository, tenantID string, customers []*domain.Customer, orders []*domain.Order, workers int) *ImportStats {
	stats := &ImportStats{}
	runPool(ctx, customers, workers, func(c *domain.Customer) {
		if err := repo.SaveCustomer(ctx, tenantID, c); err != nil {
			atomic.AddInt64(&stats.CustomerErrors, 1)
			return
		}
		atomic.AddInt64(&stats.Customers, 1)
	})
	runPool(ctx, orders, workers, func(o *domain.Order) {
		if err := repo.SaveOrder(ctx, tenantID, o); err != nil {
			atomic.AddInt64(&stats.OrderErrors, 1)
			return
		}
		atomic.AddInt64(&stats.Orders, 1)
	})
	return stats
}

func runPool[T any](ctx context.Context, items []T, workers int, fn func(T)) {
	if workers < 1 {
		workers = 1
	}
	work := make(chan T, 100)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				fn(item)
			}
		}()
	}

	for _, item := range items {
		select {
		case work <- item:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()
}

// columns maps normalized header names to their index.
type columns map[string]int

func normalizeHeader(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "")
}

func (c columns) get(record []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func readCSVFile[T any](path string, parse func(columns, []string) (T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCSV(f, parse)
}

func readCSV[T any](r io.Reader, parse func(columns, []string) (T, error)) ([]T, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(columns, len(header))
	for i, name := range header {
		cols[normalizeHeader(name)] = i
	}

	var out []T
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		item, err := parse(cols, record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func parseCustomer(cols columns, record []string) (*domain.Customer, error) {
	c := &domain.Customer{
		ID:        cols.get(record, "id"),
		Name:      cols.get(record, "name"),
		Email:     cols.get(record, "email"),
		Phone:     cols.get(record, "phone"),
		City:      cols.get(record, "city"),
		Country:   cols.get(record, "country"),
		ChurnRisk: strings.ToLower(cols.get(record, "churnrisk")),
		CreatedAt: time.Now().UTC(),
	}
	if c.ID == "" {
		return nil, errors.New("id is required")
	}

	var err error
	if c.TotalSpent, err = parseFloat(cols.get(record, "totalspent")); err != nil {
		return nil, fmt.Errorf("total_spent: %w", err)
	}
	visits, err := parseFloat(cols.get(record, "visitcount"))
	if err != nil {
		return nil, fmt.Errorf("visit_count: %w", err)
	}
	c.VisitCount = int64(visits)
	if c.IsActive, err = parseBool(cols.get(record, "isactive")); err != nil {
		return nil, fmt.Errorf("is_active: %w", err)
	}
	if c.RegistrationDate, err = parseOptionalDate(cols.get(record, "registrationdate")); err != nil {
		return nil, fmt.Errorf("registration_date: %w", err)
	}
	if c.LastVisit, err = parseOptionalDate(cols.get(record, "lastvisit")); err != nil {
		return nil, fmt.Errorf("last_visit: %w", err)
	}

	for _, tag := range strings.Split(cols.get(record, "tags"), ";") {
		if tag = strings.TrimSpace(tag); tag != "" {
			c.Tags = append(c.Tags, tag)
		}
	}
	return c, nil
}

func parseOrder(cols columns, record []string) (*domain.Order, error) {
	o := &domain.Order{
		ID:         cols.get(record, "id"),
		CustomerID: cols.get(record, "customerid"),
	}
	if o.ID == "" || o.CustomerID == "" {
		return nil, errors.New("id and customer_id are required")
	}

	var err error
	if o.Amount, err = parseFloat(cols.get(record, "amount")); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	if o.Amount < 0 {
		return nil, errors.New("amount must not be negative")
	}
	date, err := parseOptionalDate(cols.get(record, "orderdate"))
	if err != nil {
		return nil, fmt.Errorf("order_date: %w", err)
	}
	if date == nil {
		return nil, errors.New("order_date is required")
	}
	o.OrderDate = *date
	return o, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "0", "false", "no", "n":
		return false, nil
	case "1", "true", "yes", "y":
		return true, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := rules.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
