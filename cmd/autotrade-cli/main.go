package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"autotrade/internal/api"
	"autotrade/internal/config"
	"autotrade/internal/report"
	"autotrade/internal/store"
	"autotrade/internal/util"
	"autotrade/pkg/autotrade"
)

const version = "0.1.0"

const dateLayout = "2006-01-02"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: autotrade-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status     Show the engine heartbeat\n")
		fmt.Fprintf(os.Stderr, "  positions  List active (or -closed) positions\n")
		fmt.Fprintf(os.Stderr, "  signals    List recent signals\n")
		fmt.Fprintf(os.Stderr, "  diagnose   Explain what blocks each universe symbol now\n")
		fmt.Fprintf(os.Stderr, "  probe      Query the gRPC health service\n")
		fmt.Fprintf(os.Stderr, "  report     Print a performance report from the local database\n")
		fmt.Fprintf(os.Stderr, "  export     Archive trades from the local database to Parquet\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	godotenv.Load()

	ctx := context.Background()
	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("autotrade-cli %s\n", version)
	case "status":
		err = runStatus(ctx, args)
	case "positions":
		err = runPositions(ctx, args)
	case "signals":
		err = runSignals(ctx, args)
	case "diagnose":
		err = runDiagnose(ctx, args)
	case "probe":
		err = runProbe(ctx, args)
	case "report":
		err = runReport(ctx, args)
	case "export":
		err = runExport(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func serverFlag(fs *flag.FlagSet) *string {
	def := "http://127.0.0.1:8080"
	if v := os.Getenv("AUTOTRADE_SERVER"); v != "" {
		def = v
	}
	return fs.String("server", def, "engine HTTP API base URL")
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	h, err := autotrade.NewClient(*server).Health(ctx)
	if err != nil {
		return err
	}
	hb := h.Heartbeat
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "status\t%s\n", h.Status)
	fmt.Fprintf(tw, "mode\t%s\n", hb.Mode)
	fmt.Fprintf(tw, "enabled\t%t\n", hb.Enabled)
	fmt.Fprintf(tw, "session\t%s\n", hb.Session)
	fmt.Fprintf(tw, "last tick\t%s (%d ticks)\n", formatTime(hb.LastTick), hb.Ticks)
	fmt.Fprintf(tw, "open positions\t%d\n", hb.OpenPositions)
	fmt.Fprintf(tw, "orders today\t%d\n", hb.OrdersToday)
	fmt.Fprintf(tw, "loss today\t%s\n", report.FormatKRW(hb.LossToday))
	if hb.CooldownUntil.After(h.Now) {
		fmt.Fprintf(tw, "cooldown until\t%s\n", formatTime(hb.CooldownUntil))
	}
	if hb.ScanBlocked != "" {
		fmt.Fprintf(tw, "scan blocked\t%s\n", hb.ScanBlocked)
	}
	if len(hb.ExitsHeld) > 0 {
		fmt.Fprintf(tw, "exits held\t%s\n", strings.Join(hb.ExitsHeld, ","))
	}
	if hb.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", hb.LastError)
	}
	return tw.Flush()
}

func runPositions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("positions", flag.ExitOnError)
	server := serverFlag(fs)
	closed := fs.Bool("closed", false, "list closed positions instead of active ones")
	from := fs.String("from", "", "first day (YYYY-MM-DD), with -closed")
	to := fs.String("to", "", "last day (YYYY-MM-DD), with -closed")
	fs.Parse(args)

	c := autotrade.NewClient(*server)
	var (
		ps  []autotrade.Position
		err error
	)
	if *closed {
		r, rerr := parseRange(*from, *to, time.Local)
		if rerr != nil {
			return rerr
		}
		ps, err = c.ClosedPositions(ctx, autotrade.DateRange{From: r.from, To: r.to})
	} else {
		ps, err = c.Positions(ctx)
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Symbol\tStatus\tQty\tEntry\tStop\tTarget\tLast\tPnL\t")
	for _, p := range ps {
		pnl := p.UnrealizedPnL
		last := p.LastPrice
		if p.Status == "CLOSED" {
			pnl, last = p.RealizedPnL, p.ExitPrice
		}
		status := p.Status
		if p.Reconciling {
			status += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t\n",
			p.Symbol, status, p.Qty,
			report.FormatKRW(p.EntryPrice), report.FormatKRW(p.StopPrice), report.FormatKRW(p.TargetPrice),
			report.FormatKRW(last), report.FormatSigned(pnl))
	}
	return tw.Flush()
}

func runSignals(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("signals", flag.ExitOnError)
	server := serverFlag(fs)
	symbol := fs.String("symbol", "", "only this symbol")
	limit := fs.Int("limit", 20, "number of signals")
	fs.Parse(args)

	sigs, err := autotrade.NewClient(*server).Signals(ctx, *symbol, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Time\tSymbol\tDecision\tScore\tStage\tReason")
	for _, s := range sigs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			formatTime(s.CreatedAt), s.Symbol, s.Decision, s.Score, s.Stage, s.Reason)
	}
	return tw.Flush()
}

func runDiagnose(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	rows, err := autotrade.NewClient(*server).Diagnosis(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Symbol\tScore\tOrder now\tStage\tBlocker\tDetail")
	for _, d := range rows {
		fmt.Fprintf(tw, "%s\t%.1f\t%t\t%s\t%s\t%s\n",
			d.Symbol, d.Score, d.CanAutoOrderNow, d.Stage, d.Blocker, d.Detail)
	}
	return tw.Flush()
}

func runProbe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9090", "gRPC health address")
	service := fs.String("service", api.ServiceName, "health service name")
	timeout := fs.Duration("timeout", 3*time.Second, "call timeout")
	fs.Parse(args)

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", *addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", *service, resp.GetStatus())
	}
	return nil
}

func runReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	period := fs.String("period", "D", "bucket: D, M, Q or Y")
	from := fs.String("from", "", "first day (YYYY-MM-DD)")
	to := fs.String("to", "", "last day (YYYY-MM-DD)")
	csvOut := fs.Bool("csv", false, "write CSV instead of a table")
	fs.Parse(args)

	p, err := report.ParsePeriod(*period)
	if err != nil {
		return err
	}
	_, st, loc, err := openLocal()
	if err != nil {
		return err
	}
	defer st.Close()

	r, err := parseRange(*from, *to, loc)
	if err != nil {
		return err
	}
	ps, err := st.ListClosedPositions(ctx, r.from, r.to.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	rep := report.Build(ps, p, loc)
	if *csvOut {
		return report.WriteCSV(os.Stdout, rep)
	}
	return report.WriteTable(os.Stdout, rep)
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	from := fs.String("from", "", "first day (YYYY-MM-DD)")
	to := fs.String("to", "", "last day (YYYY-MM-DD)")
	dir := fs.String("dir", "", "archive directory (default storage.archive_dir)")
	fs.Parse(args)

	cfg, st, loc, err := openLocal()
	if err != nil {
		return err
	}
	defer st.Close()

	r, err := parseRange(*from, *to, loc)
	if err != nil {
		return err
	}
	trades, err := st.ListTrades(ctx, r.from, r.to.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Println("no trades in range")
		return nil
	}
	archiveDir := cfg.Storage.ArchiveDir
	if *dir != "" {
		archiveDir = *dir
	}
	files, err := store.NewParquetArchive(archiveDir, loc).WriteTrades(ctx, trades)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d trades to %d files\n", len(trades), len(files))
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

// openLocal opens the database named by the engine configuration.
func openLocal() (*config.Config, *store.SQLiteStore, *time.Location, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	cal, _ := util.NewTradingCalendar(cfg.Market)
	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, st, cal.Location(), nil
}

type dayRange struct{ from, to time.Time }

// parseRange parses inclusive YYYY-MM-DD bounds in loc. The default is the
// 30 days ending today.
func parseRange(from, to string, loc *time.Location) (dayRange, error) {
	now := time.Now().In(loc)
	r := dayRange{to: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)}
	var err error
	if to != "" {
		if r.to, err = time.ParseInLocation(dateLayout, to, loc); err != nil {
			return r, fmt.Errorf("invalid -to %q", to)
		}
	}
	r.from = r.to.AddDate(0, 0, -29)
	if from != "" {
		if r.from, err = time.ParseInLocation(dateLayout, from, loc); err != nil {
			return r, fmt.Errorf("invalid -from %q", from)
		}
	}
	if r.from.After(r.to) {
		return r, fmt.Errorf("-from must not be after -to")
	}
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
