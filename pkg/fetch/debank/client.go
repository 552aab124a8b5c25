package debank

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/fetch"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://pro-openapi.debank.com/v1"

// Client fetches on-chain transfer history from the DeBank Cloud API.
// It implements fetch.Fetcher for onchain-transfer sources.
type Client struct {
	BaseURL   string
	AccessKey string
	Logger    *zap.Logger

	httpClient *http.Client
}

// New returns a DeBank client. An empty baseURL selects the production
// pro-openapi endpoint.
func New(baseURL, accessKey string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		AccessKey:  accessKey,
		Logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// historyResponse mirrors the user/history_list payload.
type historyResponse struct {
	HistoryList []historyItem        `json:"history_list"`
	TokenDict   map[string]tokenInfo `json:"token_dict"`
}

type historyItem struct {
	ID       string         `json:"id"`
	TimeAt   float64        `json:"time_at"`
	Sends    []tokenMove    `json:"sends"`
	Receives []tokenMove    `json:"receives"`
	Tx       map[string]any `json:"tx"`
}

type tokenMove struct {
	Amount   float64 `json:"amount"`
	TokenID  string  `json:"token_id"`
	ToAddr   string  `json:"to_addr"`
	FromAddr string  `json:"from_addr"`
}

type tokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Fetch retrieves transfer history for the source's chain+address pair.
// Records older than the since boundary are still returned when the API
// pages past it; the sync engine filters them out.
func (c *Client) Fetch(ctx context.Context, src source.Source, since time.Time, pageSizeHint int) ([]models.RawRecord, error) {
	if src.Kind != models.KindOnchainTransfers {
		return nil, fetch.Fatal(fmt.Errorf("debank client cannot serve kind %q", src.Kind))
	}
	if c.AccessKey == "" {
		return nil, fetch.Fatal(fmt.Errorf("DEBANK_API_KEY is not configured"))
	}
	if pageSizeHint <= 0 {
		pageSizeHint = 20
	}

	params := url.Values{}
	params.Set("id", src.Address)
	params.Set("chain_id", src.Chain)
	params.Set("page_count", strconv.Itoa(pageSizeHint))

	endpoint := fmt.Sprintf("%s/user/history_list?%s", c.BaseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fetch.Fatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("AccessKey", c.AccessKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fetch.Transient(fmt.Errorf("debank request for %s: %w", src.ID, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var payload historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fetch.Transient(fmt.Errorf("decode debank response: %w", err))
	}

	records := c.toRecords(src, payload)

	c.Logger.Debug("Fetched DeBank history",
		zap.String("source_id", src.ID),
		zap.String("chain", src.Chain),
		zap.Int("items", len(payload.HistoryList)),
		zap.Int("transfers", len(records)))

	return records, nil
}

// classifyStatus maps HTTP status codes onto the fetch error taxonomy.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fetch.Transient(fmt.Errorf("debank returned status %d", code))
	default:
		// 4xx other than 429 will not fix itself: bad key, bad address.
		return fetch.Fatal(fmt.Errorf("debank returned status %d", code))
	}
}

// toRecords flattens history items into one transfer per token movement.
// The log index is the movement's position within its transaction, sends
// first, which keeps (tx_hash, log_index) stable across re-fetches.
func (c *Client) toRecords(src source.Source, payload historyResponse) []models.RawRecord {
	var records []models.RawRecord

	for _, item := range payload.HistoryList {
		ts := time.Unix(int64(item.TimeAt), 0).UTC()
		rawJSON, err := json.Marshal(item)
		if err != nil {
			rawJSON = []byte("{}")
		}

		logIndex := uint32(0)
		appendMove := func(move tokenMove, direction string) {
			token := payload.TokenDict[move.TokenID]
			transfer := &models.Transfer{
				SourceID:        src.ID,
				Chain:           src.Chain,
				TxHash:          item.ID,
				LogIndex:        logIndex,
				Time:            ts,
				ContractAddress: move.TokenID,
				TokenSymbol:     token.Symbol,
				TokenDecimal:    token.Decimals,
				Value:           decimal.NewFromFloat(move.Amount),
				Direction:       direction,
				RawJSON:         string(rawJSON),
			}
			if direction == "send" {
				transfer.FromAddress = src.Address
				transfer.ToAddress = move.ToAddr
			} else {
				transfer.FromAddress = move.FromAddr
				transfer.ToAddress = src.Address
			}
			records = append(records, models.RawRecord{
				Kind:     models.KindOnchainTransfers,
				Transfer: transfer,
			})
			logIndex++
		}

		for _, send := range item.Sends {
			appendMove(send, "send")
		}
		for _, recv := range item.Receives {
			appendMove(recv, "receive")
		}
	}

	return records
}
