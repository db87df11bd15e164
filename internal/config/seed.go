package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/store"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the initial catalog loaded at startup.
type Seed struct {
	Accounts    []SeedAccount    `yaml:"accounts"`
	Instruments []SeedInstrument `yaml:"instruments"`
	Matches     []model.Match    `yaml:"matches"`
}

// SeedAccount is an account created at startup. An empty balance means
// the configured starting balance.
type SeedAccount struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	FullName     string `yaml:"full_name"`
	Balance      string `yaml:"balance"`
	ReferralCode string `yaml:"referral_code"`
}

// SeedInstrument is an instrument listed at startup. Prices are decimal
// strings.
type SeedInstrument struct {
	ID                    string         `yaml:"id"`
	Name                  string         `yaml:"name"`
	Team                  string         `yaml:"team"`
	Role                  string         `yaml:"role"`
	ImageURL              string         `yaml:"image_url"`
	TeamImageURL          string         `yaml:"team_image_url"`
	Price                 string         `yaml:"price"`
	PriceChange           string         `yaml:"price_change"`
	PriceChangePercentage string         `yaml:"price_change_percentage"`
	Stats                 map[string]any `yaml:"stats"`
}

// MatchCreator receives seeded matches.
type MatchCreator interface {
	Create(m model.Match) (model.Match, error)
}

// LoadSeed reads a seed file, or the embedded default when path is empty.
func LoadSeed(path string) (Seed, error) {
	data := defaultSeed
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return Seed{}, fmt.Errorf("read seed file: %w", err)
		}
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML seed.
func ParseSeed(data []byte) (Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	return s, nil
}

// Apply loads the seed into the ledger in one transaction and adds its
// matches to the board. Matches without a start time start now.
func (s Seed) Apply(l *store.Ledger, board MatchCreator, startingBalance decimal.Decimal) error {
	accounts := make([]model.Account, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		bal := startingBalance
		if a.Balance != "" {
			var err error
			if bal, err = decimal.NewFromString(a.Balance); err != nil {
				return fmt.Errorf("seed account %s: balance: %w", a.Username, err)
			}
		}
		accounts = append(accounts, model.Account{
			ID:           a.ID,
			Username:     a.Username,
			FullName:     a.FullName,
			Balance:      bal,
			ReferralCode: a.ReferralCode,
		})
	}

	instruments := make([]model.Instrument, 0, len(s.Instruments))
	for _, si := range s.Instruments {
		in, err := si.instrument()
		if err != nil {
			return err
		}
		instruments = append(instruments, in)
	}

	err := l.Update(func(tx *store.Tx) error {
		for _, a := range accounts {
			if _, err := tx.CreateAccount(a); err != nil {
				return fmt.Errorf("seed account %s: %w", a.Username, err)
			}
		}
		for _, in := range instruments {
			if _, err := tx.CreateInstrument(in); err != nil {
				return fmt.Errorf("seed instrument %s: %w", in.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, m := range s.Matches {
		if m.StartTime.IsZero() {
			m.StartTime = now
		}
		if _, err := board.Create(m); err != nil {
			return fmt.Errorf("seed match %s: %w", m.ID, err)
		}
	}
	return nil
}

func (si SeedInstrument) instrument() (model.Instrument, error) {
	in := model.Instrument{
		ID:           si.ID,
		Name:         si.Name,
		Team:         si.Team,
		Role:         si.Role,
		Stats:        si.Stats,
		ImageURL:     si.ImageURL,
		TeamImageURL: si.TeamImageURL,
	}
	for _, f := range []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"price", si.Price, &in.CurrentPrice},
		{"price_change", si.PriceChange, &in.PriceChange},
		{"price_change_percentage", si.PriceChangePercentage, &in.PriceChangePercentage},
	} {
		if f.src == "" {
			continue
		}
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return model.Instrument{}, fmt.Errorf("seed instrument %s: %s: %w", si.Name, f.name, err)
		}
		*f.dst = v
	}
	return in, nil
}
