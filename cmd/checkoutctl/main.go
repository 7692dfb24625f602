package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matheusmosca/checkout-orchestrator/internal/checkout"
	"github.com/matheusmosca/checkout-orchestrator/internal/money"
	"github.com/matheusmosca/checkout-orchestrator/internal/payment"
)

const usage = `usage: checkoutctl [-addr URL] <command> [flags]

commands:
  create   -buyer ID -items SKU:QTY:PRICE[,...] [-key K] [-address JSON]
  get      <session-id>
  process  <session-id> [-provider P] [-method M]
  approve  <session-id> -amount A [-ref TXN]
  fail     <session-id>
  cancel   <session-id>
  payment  <payment-id>
  refund   <payment-id> -amount A
  stock    <sku-id> [-set TOTAL]
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	global := flag.NewFlagSet("checkoutctl", flag.ContinueOnError)
	addr := global.String("addr", envOr("CHECKOUT_ADDR", "http://localhost:8080"), "checkout-service base URL")
	timeout := global.Duration("timeout", 10*time.Second, "request timeout")
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	client := NewClient(*addr, *timeout)
	cmd, rest := global.Arg(0), global.Args()[1:]

	var (
		body json.RawMessage
		err  error
	)
	switch cmd {
	case "create":
		body, err = runCreate(client, rest)
	case "get":
		body, err = withID(rest, client.GetCheckout)
	case "process":
		body, err = runProcess(client, rest)
	case "approve":
		body, err = runCallback(client, "approved", rest)
	case "fail":
		body, err = runCallback(client, "failed", rest)
	case "cancel":
		body, err = withID(rest, client.CancelCheckout)
	case "payment":
		body, err = withID(rest, client.GetPayment)
	case "refund":
		body, err = runRefund(client, rest)
	case "stock":
		body, err = runStock(client, rest)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	return printJSON(out, body)
}

func withID(args []string, fn func(string) (json.RawMessage, error)) (json.RawMessage, error) {
	if len(args) != 1 {
		return nil, errors.New("expected exactly one id argument")
	}
	return fn(args[0])
}

// splitID aceita o id antes ou depois das flags
func splitID(fs *flag.FlagSet, args []string) (string, error) {
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		return "", fmt.Errorf("%s: missing id argument", fs.Name())
	}
	return id, nil
}

func runCreate(client *Client, args []string) (json.RawMessage, error) {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	buyer := fs.String("buyer", "", "buyer id")
	items := fs.String("items", "", "comma separated SKU:QTY:PRICE lines")
	key := fs.String("key", "", "idempotency key (random when empty)")
	address := fs.String("address", "", "shipping address as JSON")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	lines, err := parseLines(*items)
	if err != nil {
		return nil, err
	}
	req := checkout.CreateRequest{
		BuyerID:        *buyer,
		IdempotencyKey: *key,
		Items:          lines,
		ShippingAddress: checkout.ShippingAddress{
			RecipientName: "Checkout CLI",
			Phone:         "000000000",
			ZipCode:       "00000-000",
			Line1:         "CLI street 1",
			City:          "Sao Paulo",
			Country:       "BR",
		},
	}
	if *address != "" {
		if err := json.Unmarshal([]byte(*address), &req.ShippingAddress); err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}
	return client.CreateCheckout(req)
}

// parseLines lê "SKU:QTY:PRICE,SKU:QTY:PRICE"
func parseLines(raw string) ([]checkout.LineRequest, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("create: -items is required")
	}
	var lines []checkout.LineRequest
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid line %q, expected SKU:QTY:PRICE", part)
		}
		sku, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sku in %q: %w", part, err)
		}
		qty, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in %q: %w", part, err)
		}
		price, err := money.Parse(fields[2])
		if err != nil {
			return nil, err
		}
		lines = append(lines, checkout.LineRequest{SkuID: sku, Quantity: qty, UnitPrice: price})
	}
	return lines, nil
}

func runProcess(client *Client, args []string) (json.RawMessage, error) {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	provider := fs.String("provider", "fakepg", "payment gateway provider")
	method := fs.String("method", "card", "payment method")
	id, err := splitID(fs, args)
	if err != nil {
		return nil, err
	}
	return client.ProcessCheckout(id, payment.ProcessRequest{PgProvider: *provider, Method: *method})
}

func runCallback(client *Client, result string, args []string) (json.RawMessage, error) {
	fs := flag.NewFlagSet(result, flag.ContinueOnError)
	amount := fs.String("amount", "0", "approved amount")
	ref := fs.String("ref", "", "gateway transaction reference")
	id, err := splitID(fs, args)
	if err != nil {
		return nil, err
	}
	value, err := money.Parse(*amount)
	if err != nil {
		return nil, err
	}
	if result == "approved" && *ref == "" {
		*ref = "cli-" + uuid.New().String()
	}
	return client.Callback(id, result, value, *ref)
}

func runRefund(client *Client, args []string) (json.RawMessage, error) {
	fs := flag.NewFlagSet("refund", flag.ContinueOnError)
	amount := fs.String("amount", "", "amount to refund")
	id, err := splitID(fs, args)
	if err != nil {
		return nil, err
	}
	value, err := money.Parse(*amount)
	if err != nil {
		return nil, err
	}
	return client.Refund(id, value)
}

func runStock(client *Client, args []string) (json.RawMessage, error) {
	fs := flag.NewFlagSet("stock", flag.ContinueOnError)
	set := fs.Int("set", -1, "set the physical total")
	raw, err := splitID(fs, args)
	if err != nil {
		return nil, err
	}
	sku, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid sku %q: %w", raw, err)
	}
	if *set >= 0 {
		return client.SetStock(sku, *set)
	}
	return client.GetStock(sku)
}

func printJSON(out io.Writer, body json.RawMessage) error {
	if len(body) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = out.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
