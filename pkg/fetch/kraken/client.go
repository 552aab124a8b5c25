package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/fetch"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.kraken.com"

	// Kraken's private history endpoints return fixed 50-entry pages and
	// ignore any requested page size.
	pageSize = 50
)

// Client fetches trades, deposits and withdrawals from the Kraken REST API.
// It implements fetch.Fetcher for the three exchange kinds.
type Client struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Logger    *zap.Logger

	httpClient *http.Client
	nonce      func() int64
}

// New returns a Kraken client. An empty baseURL selects the production API.
func New(baseURL, apiKey, apiSecret string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		APISecret:  apiSecret,
		Logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		nonce:      func() int64 { return time.Now().UnixMilli() },
	}
}

// apiResponse is the envelope every Kraken endpoint answers with.
type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type tradesResult struct {
	Trades map[string]tradeItem `json:"trades"`
	Count  int                  `json:"count"`
}

type tradeItem struct {
	OrderTxID string  `json:"ordertxid"`
	Pair      string  `json:"pair"`
	Time      float64 `json:"time"`
	Type      string  `json:"type"`
	Price     string  `json:"price"`
	Cost      string  `json:"cost"`
	Fee       string  `json:"fee"`
	Vol       string  `json:"vol"`
}

type ledgersResult struct {
	Ledger map[string]ledgerItem `json:"ledger"`
	Count  int                   `json:"count"`
}

type ledgerItem struct {
	RefID  string  `json:"refid"`
	Time   float64 `json:"time"`
	Type   string  `json:"type"`
	Asset  string  `json:"asset"`
	Amount string  `json:"amount"`
	Fee    string  `json:"fee"`
}

// Fetch retrieves exchange history for the source. Records older than the
// since boundary can still come back (Kraken pages are fixed size); the sync
// engine re-applies the boundary.
func (c *Client) Fetch(ctx context.Context, src source.Source, since time.Time, _ int) ([]models.RawRecord, error) {
	if src.Exchange != "kraken" {
		return nil, fetch.Fatal(fmt.Errorf("kraken client cannot serve exchange %q", src.Exchange))
	}
	if c.APIKey == "" || c.APISecret == "" {
		return nil, fetch.Fatal(fmt.Errorf("KRAKEN_API_KEY / KRAKEN_API_SECRET are not configured"))
	}

	switch src.Kind {
	case models.KindExchangeTrades:
		return c.fetchTrades(ctx, src, since)
	case models.KindExchangeDeposits:
		return c.fetchLedgers(ctx, src, since, "deposit")
	case models.KindExchangeWithdrawals:
		return c.fetchLedgers(ctx, src, since, "withdrawal")
	default:
		return nil, fetch.Fatal(fmt.Errorf("kraken client cannot serve kind %q", src.Kind))
	}
}

func (c *Client) fetchTrades(ctx context.Context, src source.Source, since time.Time) ([]models.RawRecord, error) {
	var records []models.RawRecord

	for ofs := 0; ; ofs += pageSize {
		params := url.Values{}
		params.Set("start", strconv.FormatInt(since.Unix(), 10))
		params.Set("ofs", strconv.Itoa(ofs))

		var result tradesResult
		if err := c.call(ctx, "/0/private/TradesHistory", params, &result); err != nil {
			return nil, err
		}

		for txid, item := range result.Trades {
			records = append(records, c.toTrade(src, txid, item))
		}

		if len(result.Trades) < pageSize || ofs+pageSize >= result.Count {
			break
		}
	}

	sortByTime(records)

	c.Logger.Debug("Fetched Kraken trades",
		zap.String("source_id", src.ID),
		zap.Int("trades", len(records)))

	return records, nil
}

func (c *Client) fetchLedgers(ctx context.Context, src source.Source, since time.Time, ledgerType string) ([]models.RawRecord, error) {
	kind := models.KindExchangeDeposits
	if ledgerType == "withdrawal" {
		kind = models.KindExchangeWithdrawals
	}

	var records []models.RawRecord

	for ofs := 0; ; ofs += pageSize {
		params := url.Values{}
		params.Set("type", ledgerType)
		params.Set("start", strconv.FormatInt(since.Unix(), 10))
		params.Set("ofs", strconv.Itoa(ofs))

		var result ledgersResult
		if err := c.call(ctx, "/0/private/Ledgers", params, &result); err != nil {
			return nil, err
		}

		for id, item := range result.Ledger {
			records = append(records, c.toFlow(src, kind, id, item))
		}

		if len(result.Ledger) < pageSize || ofs+pageSize >= result.Count {
			break
		}
	}

	sortByTime(records)

	c.Logger.Debug("Fetched Kraken ledger entries",
		zap.String("source_id", src.ID),
		zap.String("type", ledgerType),
		zap.Int("entries", len(records)))

	return records, nil
}

func (c *Client) toTrade(src source.Source, txid string, item tradeItem) models.RawRecord {
	base, quote := SplitPair(item.Pair)
	rawJSON, err := json.Marshal(item)
	if err != nil {
		rawJSON = []byte("{}")
	}

	return models.RawRecord{
		Kind: models.KindExchangeTrades,
		Trade: &models.Trade{
			SourceID:    src.ID,
			Exchange:    src.Exchange,
			Account:     src.Account,
			TxID:        txid,
			OrderID:     item.OrderTxID,
			Time:        timeFromUnixFloat(item.Time),
			Base:        base,
			Quote:       quote,
			Side:        item.Type,
			Amount:      decimalFromString(item.Vol),
			Price:       decimalFromString(item.Price),
			FeeCurrency: quote, // Kraken charges trade fees in the quote currency
			FeeAmount:   decimalFromString(item.Fee),
			RawJSON:     string(rawJSON),
		},
	}
}

func (c *Client) toFlow(src source.Source, kind models.Kind, ledgerID string, item ledgerItem) models.RawRecord {
	txid := item.RefID
	if txid == "" {
		txid = ledgerID
	}
	rawJSON, err := json.Marshal(item)
	if err != nil {
		rawJSON = []byte("{}")
	}

	return models.RawRecord{
		Kind: kind,
		Flow: &models.Flow{
			SourceID:    src.ID,
			Exchange:    src.Exchange,
			Account:     src.Account,
			TxID:        txid,
			Time:        timeFromUnixFloat(item.Time),
			Currency:    NormalizeAsset(item.Asset),
			Amount:      decimalFromString(item.Amount).Abs(), // withdrawals come back negative
			Status:      "ok",
			FeeCurrency: NormalizeAsset(item.Asset),
			FeeAmount:   decimalFromString(item.Fee),
			RawJSON:     string(rawJSON),
		},
	}
}

// call executes one signed private API request and decodes its result.
func (c *Client) call(ctx context.Context, path string, params url.Values, dst interface{}) error {
	params.Set("nonce", strconv.FormatInt(c.nonce(), 10))
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(body))
	if err != nil {
		return fetch.Fatal(fmt.Errorf("build request: %w", err))
	}

	sig, err := c.sign(path, params.Get("nonce"), body)
	if err != nil {
		return fetch.Fatal(fmt.Errorf("sign request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.APIKey)
	req.Header.Set("API-Sign", sig)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fetch.Transient(fmt.Errorf("kraken request %s: %w", path, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fetch.Transient(fmt.Errorf("decode kraken response: %w", err))
	}
	if len(envelope.Error) > 0 {
		return classifyAPIError(envelope.Error)
	}

	if err := json.Unmarshal(envelope.Result, dst); err != nil {
		return fetch.Transient(fmt.Errorf("decode kraken result: %w", err))
	}
	return nil
}

// sign computes API-Sign: HMAC-SHA512 of the URI path plus
// SHA256(nonce + POST body), keyed with the base64-decoded secret.
func (c *Client) sign(path, nonce, body string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.APISecret)
	if err != nil {
		return "", fmt.Errorf("KRAKEN_API_SECRET is not valid base64: %w", err)
	}

	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// classifyStatus maps HTTP status codes onto the fetch error taxonomy.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fetch.Transient(fmt.Errorf("kraken returned status %d", code))
	default:
		return fetch.Fatal(fmt.Errorf("kraken returned status %d", code))
	}
}

// classifyAPIError maps Kraken's error codes onto the fetch error taxonomy.
// Rate limits and service hiccups resolve themselves; everything else (bad
// key, bad signature, bad arguments) does not.
func classifyAPIError(errs []string) error {
	msg := strings.Join(errs, "; ")
	for _, e := range errs {
		if strings.HasPrefix(e, "EAPI:Rate limit") ||
			strings.HasPrefix(e, "EGeneral:Temporary") ||
			strings.HasPrefix(e, "EService:") {
			return fetch.Transient(fmt.Errorf("kraken api error: %s", msg))
		}
	}
	return fetch.Fatal(fmt.Errorf("kraken api error: %s", msg))
}

// SplitPair maps Kraken's classified pair names onto base and quote
// currencies: XXBTZUSD becomes XBT/USD. Altname pairs fall back to a known
// quote-suffix split.
func SplitPair(pair string) (base, quote string) {
	if len(pair) == 8 && isClassified(pair[0]) && isClassified(pair[4]) {
		return NormalizeAsset(pair[:4]), NormalizeAsset(pair[4:])
	}
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(pair, q) && len(pair) > len(q) {
			return pair[:len(pair)-len(q)], q
		}
	}
	return pair, ""
}

// NormalizeAsset strips Kraken's one-letter asset-class prefix: XXBT becomes
// XBT, ZUSD becomes USD. Plain asset codes pass through.
func NormalizeAsset(asset string) string {
	if len(asset) == 4 && isClassified(asset[0]) {
		return asset[1:]
	}
	return asset
}

func isClassified(b byte) bool {
	return b == 'X' || b == 'Z'
}

var quoteSuffixes = []string{"USDT", "USDC", "XBT", "ETH", "USD", "EUR", "GBP", "JPY"}

// sortByTime makes the map-backed API responses deterministic.
func sortByTime(records []models.RawRecord) {
	sort.Slice(records, func(i, j int) bool {
		ti, tj := records[i].EventTime(), records[j].EventTime()
		if ti.Equal(tj) {
			return records[i].NaturalKey() < records[j].NaturalKey()
		}
		return ti.Before(tj)
	})
}

func decimalFromString(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func timeFromUnixFloat(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
