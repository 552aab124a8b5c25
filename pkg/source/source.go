package source

import (
	"fmt"
	"strings"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/utils"
)

// Source identifies one logical feed: an exchange account's trades,
// deposits or withdrawals, or one chain+address pair's transfers.
// Sources are defined at configuration time and immutable during a run.
type Source struct {
	ID       string      `json:"id"`
	Kind     models.Kind `json:"kind"`
	Exchange string      `json:"exchange,omitempty"`
	Account  string      `json:"account,omitempty"`
	Chain    string      `json:"chain,omitempty"`
	Address  string      `json:"address,omitempty"`

	// Params carries fetch parameters the sync core treats as opaque
	// (API page sizes, currency filters, endpoint overrides).
	Params map[string]string `json:"params,omitempty"`
}

// Validate checks the source definition is complete for its kind.
func (s Source) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("source %s: invalid kind %q", s.ID, s.Kind)
	}
	switch s.Kind {
	case models.KindOnchainTransfers:
		if s.Chain == "" || s.Address == "" {
			return fmt.Errorf("source %s: onchain sources require chain and address", s.ID)
		}
	default:
		if s.Exchange == "" {
			return fmt.Errorf("source %s: exchange sources require an exchange name", s.ID)
		}
	}
	return nil
}

// Registry is the static set of sources for a run.
type Registry struct {
	sources []Source
	byID    map[string]Source
}

// NewRegistry validates the given sources and rejects duplicate IDs.
func NewRegistry(sources []Source) (*Registry, error) {
	r := &Registry{
		sources: make([]Source, 0, len(sources)),
		byID:    make(map[string]Source, len(sources)),
	}
	for _, s := range sources {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", s.ID)
		}
		r.byID[s.ID] = s
		r.sources = append(r.sources, s)
	}
	return r, nil
}

// Sources enumerates all registered sources in definition order.
func (r *Registry) Sources() []Source {
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Get returns the source with the given ID.
func (r *Registry) Get(id string) (Source, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	return len(r.sources)
}

// exchangeKinds are the per-exchange feeds enumerated by FromEnv.
var exchangeKinds = []models.Kind{
	models.KindExchangeTrades,
	models.KindExchangeDeposits,
	models.KindExchangeWithdrawals,
}

// FromEnv builds a registry from the exporter-style environment layout:
// one source per exchange per entity, and one per chain+address pair.
//
//	EXCHANGES=binance,kraken
//	CHAINS=eth
//	EVM_ADDRESSES=0xabc...,0xdef...
func FromEnv(exchanges, chains, addresses []string) (*Registry, error) {
	var sources []Source

	// Repeated env entries ("kraken,kraken") would otherwise surface as
	// duplicate source IDs and abort startup.
	for _, ex := range utils.Dedup(normalize(exchanges)) {
		for _, kind := range exchangeKinds {
			entity := strings.TrimPrefix(kind.String(), "exchange-")
			sources = append(sources, Source{
				ID:       fmt.Sprintf("%s_%s", ex, entity),
				Kind:     kind,
				Exchange: ex,
				Account:  "main",
			})
		}
	}

	for _, chain := range utils.Dedup(normalize(chains)) {
		for _, addr := range utils.Dedup(normalize(addresses)) {
			sources = append(sources, Source{
				ID:      fmt.Sprintf("debank_%s_%s", chain, addr),
				Kind:    models.KindOnchainTransfers,
				Chain:   chain,
				Address: addr,
			})
		}
	}

	return NewRegistry(sources)
}

// normalize lowercases and trims the entries, dropping blanks.
func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
