package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"tradesim/internal/domain"
	"tradesim/internal/live"
	"tradesim/internal/store"
	"tradesim/pkg/tradesim"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tradesim-cli [-addr URL] [-account ID] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                         Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status | save | reset           Emulator admin\n")
	fmt.Fprintf(os.Stderr, "  account | positions | orders    Account state\n")
	fmt.Fprintf(os.Stderr, "  transactions [start] [end]      Cash ledger\n")
	fmt.Fprintf(os.Stderr, "  deposit AMOUNT | withdraw AMOUNT\n")
	fmt.Fprintf(os.Stderr, "  buy|sell [flags] SYMBOL QTY     Place an order (-type -limit -stop -tif)\n")
	fmt.Fprintf(os.Stderr, "  order ID | cancel ID\n")
	fmt.Fprintf(os.Stderr, "  quote SYMBOL | book SYMBOL [DEPTH] | trades SYMBOL [LIMIT]\n")
	fmt.Fprintf(os.Stderr, "  bars SYMBOL [TIMEFRAME]         1Day, 1Week or 1Month\n")
	fmt.Fprintf(os.Stderr, "  events [TYPE...]                Stream live events\n")
	fmt.Fprintf(os.Stderr, "  journal PATH                    Dump a local fill journal\n")
	fmt.Fprintf(os.Stderr, "  archive DATA_DIR [SYMBOL]       List or read archived bars\n")
	fmt.Fprintf(os.Stderr, "\n")
	flag.PrintDefaults()
}

func main() {
	defaultAddr := "http://localhost:8080"
	if a := os.Getenv("TRADESIM_ADDR"); a != "" {
		defaultAddr = a
	}
	addr := flag.String("addr", defaultAddr, "tradesim-server base URL")
	account := flag.String("account", "demo", "account ID")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := tradesim.NewClient(*addr)
	if err := run(ctx, c, *account, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *tradesim.Client, account, cmd string, args []string) error {
	switch cmd {
	case "version":
		fmt.Printf("tradesim-cli %s\n", version)
		return nil

	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	case "save":
		return c.Save(ctx)
	case "reset":
		return c.Reset(ctx)

	case "account":
		acct, err := c.GetAccount(ctx, account)
		if err != nil {
			return err
		}
		return printJSON(acct)
	case "positions":
		positions, err := c.GetPositions(ctx, account)
		if err != nil {
			return err
		}
		printPositions(positions)
		return nil
	case "orders":
		orders, err := c.GetOrders(ctx, account)
		if err != nil {
			return err
		}
		printOrders(orders)
		return nil
	case "transactions":
		start, end, err := parseDates(args)
		if err != nil {
			return err
		}
		txs, err := c.GetTransactions(ctx, account, start, end)
		if err != nil {
			return err
		}
		printTransactions(txs)
		return nil
	case "deposit", "withdraw":
		if len(args) != 1 {
			return fmt.Errorf("%s needs an AMOUNT", cmd)
		}
		amount, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		move := c.Deposit
		if cmd == "withdraw" {
			move = c.Withdraw
		}
		tx, err := move(ctx, account, amount)
		if err != nil {
			return err
		}
		return printJSON(tx)

	case "buy", "sell":
		req, err := parseOrder(cmd, account, args)
		if err != nil {
			return err
		}
		o, err := c.SubmitOrder(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(o)
	case "order", "cancel":
		if len(args) != 1 {
			return fmt.Errorf("%s needs an order ID", cmd)
		}
		get := c.GetOrder
		if cmd == "cancel" {
			get = c.CancelOrder
		}
		o, err := get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(o)

	case "quote":
		if len(args) != 1 {
			return fmt.Errorf("quote needs a SYMBOL")
		}
		q, err := c.GetQuote(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(q)
	case "book":
		if len(args) < 1 {
			return fmt.Errorf("book needs a SYMBOL")
		}
		book, err := c.GetOrderBook(ctx, args[0], optInt(args, 1))
		if err != nil {
			return err
		}
		printBook(book)
		return nil
	case "trades":
		if len(args) < 1 {
			return fmt.Errorf("trades needs a SYMBOL")
		}
		trades, err := c.GetRecentTrades(ctx, args[0], optInt(args, 1))
		if err != nil {
			return err
		}
		printTrades(trades)
		return nil
	case "bars":
		if len(args) < 1 {
			return fmt.Errorf("bars needs a SYMBOL")
		}
		tf := ""
		if len(args) > 1 {
			tf = args[1]
		}
		bars, err := c.GetBars(ctx, args[0], time.Time{}, time.Time{}, tf)
		if err != nil {
			return err
		}
		printBars(bars)
		return nil

	case "events":
		err := c.Events(ctx, args, func(e live.Event) error {
			return json.NewEncoder(os.Stdout).Encode(e)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err

	case "journal":
		if len(args) != 1 {
			return fmt.Errorf("journal needs a PATH")
		}
		return dumpJournal(ctx, args[0], account)
	case "archive":
		if len(args) < 1 {
			return fmt.Errorf("archive needs a DATA_DIR")
		}
		return dumpArchive(ctx, args[0], args[1:])
	}
	usage()
	return fmt.Errorf("unknown command: %s", cmd)
}

// ---------------------------------------------------------------------------
// Argument parsing
// ---------------------------------------------------------------------------

func parseOrder(side, account string, args []string) (domain.OrderRequest, error) {
	fs := flag.NewFlagSet(side, flag.ContinueOnError)
	typ := fs.String("type", "", "MARKET, LIMIT, STOP or STOP_LIMIT (default from prices)")
	limit := fs.Float64("limit", 0, "limit price")
	stop := fs.Float64("stop", 0, "stop price")
	tif := fs.String("tif", "", "DAY, GTC, IOC or FOK (server default GTC)")
	clientID := fs.String("client-id", "", "client order ID")
	if err := fs.Parse(args); err != nil {
		return domain.OrderRequest{}, err
	}
	if fs.NArg() != 2 {
		return domain.OrderRequest{}, fmt.Errorf("%s needs SYMBOL QTY", side)
	}
	qty, err := strconv.ParseFloat(fs.Arg(1), 64)
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("qty: %w", err)
	}

	orderType := domain.OrderType(strings.ToUpper(*typ))
	if orderType == "" {
		switch {
		case *limit > 0 && *stop > 0:
			orderType = domain.OrderTypeStopLimit
		case *limit > 0:
			orderType = domain.OrderTypeLimit
		case *stop > 0:
			orderType = domain.OrderTypeStop
		default:
			orderType = domain.OrderTypeMarket
		}
	}

	return domain.OrderRequest{
		AccountID:     account,
		ClientOrderID: *clientID,
		Symbol:        strings.ToUpper(fs.Arg(0)),
		Side:          domain.Side(strings.ToUpper(side)),
		Type:          orderType,
		TimeInForce:   domain.TimeInForce(strings.ToUpper(*tif)),
		Qty:           qty,
		LimitPrice:    *limit,
		StopPrice:     *stop,
	}, nil
}

func parseDates(args []string) (start, end time.Time, err error) {
	if len(args) > 0 {
		if start, err = time.Parse(time.DateOnly, args[0]); err != nil {
			return
		}
	}
	if len(args) > 1 {
		if end, err = time.Parse(time.DateOnly, args[1]); err != nil {
			return
		}
		end = end.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return
}

func optInt(args []string, i int) int {
	if len(args) <= i {
		return 0
	}
	n, _ := strconv.Atoi(args[i])
	return n
}

// ---------------------------------------------------------------------------
// Local stores
// ---------------------------------------------------------------------------

func dumpJournal(ctx context.Context, path, account string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	j, err := store.NewSQLiteJournal(path)
	if err != nil {
		return err
	}
	defer j.Close()

	trades, err := j.ListTrades(ctx, account)
	if err != nil {
		return fmt.Errorf("listing trades: %w", err)
	}
	txs, err := j.ListTransactions(ctx, account)
	if err != nil {
		return fmt.Errorf("listing transactions: %w", err)
	}
	fmt.Printf("%d trades\n", len(trades))
	printTrades(trades)
	fmt.Printf("\n%d transactions\n", len(txs))
	printTransactions(txs)
	return nil
}

func dumpArchive(ctx context.Context, dataDir string, args []string) error {
	ps := store.NewParquetStore(dataDir)
	if len(args) == 0 {
		symbols, err := ps.ListSymbols(ctx, string(ps.Market))
		if err != nil {
			return err
		}
		for _, s := range symbols {
			fmt.Println(s)
		}
		return nil
	}
	end := time.Now().UTC()
	bars, err := ps.ReadBars(ctx, strings.ToUpper(args[0]), string(ps.Market), end.AddDate(-2, 0, 0), end)
	if err != nil {
		return err
	}
	printBars(bars)
	return nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func money(v float64) string { return fmt.Sprintf("%.2f", v) }

func qty(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func positionsTable(positions []domain.Position) *table.Table {
	t := newTable("SYMBOL", "QTY", "AVG", "LAST", "VALUE", "UNREAL", "REAL")
	for _, p := range positions {
		t.Row(p.Symbol, qty(p.Qty), money(p.AvgPrice), money(p.CurrentPrice), money(p.MarketValue),
			money(p.UnrealizedPnL), money(p.RealizedPnL))
	}
	return t
}

func ordersTable(orders []domain.Order) *table.Table {
	t := newTable("ID", "SYMBOL", "SIDE", "TYPE", "TIF", "QTY", "FILLED", "AVG", "STATUS", "CREATED")
	for _, o := range orders {
		t.Row(o.ID, o.Symbol, string(o.Side), string(o.Type), string(o.TimeInForce), qty(o.Qty),
			qty(o.FilledQty), money(o.FilledAvgPrice), string(o.Status), o.CreatedAt.Format(time.DateTime))
	}
	return t
}

func transactionsTable(txs []domain.Transaction) *table.Table {
	t := newTable("ID", "TYPE", "AMOUNT", "BALANCE", "REF", "TIME")
	for _, x := range txs {
		t.Row(x.ID, string(x.Type), money(x.Amount), money(x.BalanceAfter), x.Reference, x.Timestamp.Format(time.DateTime))
	}
	return t
}

func tradesTable(trades []domain.Trade) *table.Table {
	t := newTable("ID", "SYMBOL", "SIDE", "QTY", "PRICE", "COMM", "TIME")
	for _, tr := range trades {
		t.Row(tr.ID, tr.Symbol, string(tr.Side), qty(tr.Qty), money(tr.Price), money(tr.Commission),
			tr.Timestamp.Format(time.DateTime))
	}
	return t
}

func bookTable(book *domain.OrderBook) *table.Table {
	t := newTable("BID SIZE", "BID", "ASK", "ASK SIZE")
	for i := 0; i < max(len(book.Bids), len(book.Asks)); i++ {
		var bid, ask domain.BookLevel
		if i < len(book.Bids) {
			bid = book.Bids[i]
		}
		if i < len(book.Asks) {
			ask = book.Asks[i]
		}
		t.Row(qty(bid.Size), money(bid.Price), money(ask.Price), qty(ask.Size))
	}
	return t
}

func barsTable(bars []domain.Bar) *table.Table {
	t := newTable("DATE", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
	for _, b := range bars {
		t.Row(b.Timestamp.Format(time.DateOnly), money(b.Open), money(b.High), money(b.Low), money(b.Close),
			strconv.FormatInt(b.Volume, 10))
	}
	return t
}

func printPositions(positions []domain.Position) { fmt.Println(positionsTable(positions)) }

func printOrders(orders []domain.Order) { fmt.Println(ordersTable(orders)) }

func printTransactions(txs []domain.Transaction) { fmt.Println(transactionsTable(txs)) }

func printTrades(trades []domain.Trade) { fmt.Println(tradesTable(trades)) }

func printBook(book *domain.OrderBook) { fmt.Println(bookTable(book)) }

func printBars(bars []domain.Bar) { fmt.Println(barsTable(bars)) }
