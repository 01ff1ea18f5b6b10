package registry

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"brokerage/internal/models"
)

//go:embed brokers.yaml
var defaultSeed []byte

// Ошибки реестра брокеров
var (
	ErrBrokerNotFound = errors.New("broker not found")
	ErrInvalidSeed    = errors.New("invalid broker seed")
)

// SupportedKinds - типы брокерских API, для которых есть проверочный запрос
var SupportedKinds = []string{
	models.BrokerKindTradier,
	models.BrokerKindAlpaca,
	models.BrokerKindGeneric,
}

// IsSupportedKind проверяет поддержку типа брокера
func IsSupportedKind(kind string) bool {
	for _, k := range SupportedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type seedFile struct {
	Brokers []models.Broker `yaml:"brokers"`
}

// Registry - справочник брокеров, доступный только на чтение
//
// Заполняется один раз при старте, после этого безопасен для
// конкурентного чтения без блокировок.
type Registry struct {
	byID    map[int]models.Broker
	ordered []models.Broker
}

// Load загружает реестр из файла, пустой путь - встроенный справочник
func Load(path string) (*Registry, error) {
	if path == "" {
		return Parse(defaultSeed)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker seed: %w", err)
	}
	return Parse(data)
}

// Default возвращает реестр из встроенного справочника
func Default() *Registry {
	r, err := Parse(defaultSeed)
	if err != nil {
		panic(fmt.Sprintf("embedded broker seed is invalid: %v", err))
	}
	return r
}

// Parse разбирает YAML справочник и проверяет его
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var seed seedFile
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return New(seed.Brokers)
}

// New создает реестр из списка брокеров
func New(brokers []models.Broker) (*Registry, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers defined", ErrInvalidSeed)
	}

	r := &Registry{byID: make(map[int]models.Broker, len(brokers))}
	names := make(map[string]bool, len(brokers))

	for _, b := range brokers {
		b.Name = strings.TrimSpace(b.Name)
		if b.Kind == "" {
			b.Kind = models.BrokerKindGeneric
		}

		if err := validateBroker(b); err != nil {
			return nil, err
		}
		if _, dup := r.byID[b.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate broker id %d", ErrInvalidSeed, b.ID)
		}
		key := strings.ToLower(b.Name)
		if names[key] {
			return nil, fmt.Errorf("%w: duplicate broker name %q", ErrInvalidSeed, b.Name)
		}

		names[key] = true
		r.byID[b.ID] = b
		r.ordered = append(r.ordered, b)
	}

	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].ID < r.ordered[j].ID })
	return r, nil
}

func validateBroker(b models.Broker) error {
	if b.ID <= 0 {
		return fmt.Errorf("%w: broker %q must have a positive id", ErrInvalidSeed, b.Name)
	}
	if b.Name == "" {
		return fmt.Errorf("%w: broker %d has no name", ErrInvalidSeed, b.ID)
	}
	if !IsSupportedKind(b.Kind) {
		return fmt.Errorf("%w: broker %q has unsupported kind %q (supported: %s)",
			ErrInvalidSeed, b.Name, b.Kind, strings.Join(SupportedKinds, ", "))
	}
	if err := validateURL(b.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("%w: broker %q base_url: %v", ErrInvalidSeed, b.Name, err)
	}
	if b.StreamingURL != "" {
		if err := validateURL(b.StreamingURL, "ws", "wss", "http", "https"); err != nil {
			return fmt.Errorf("%w: broker %q streaming_url: %v", ErrInvalidSeed, b.Name, err)
		}
	}
	if b.TokenURL != "" {
		if err := validateURL(b.TokenURL, "http", "https"); err != nil {
			return fmt.Errorf("%w: broker %q token_url: %v", ErrInvalidSeed, b.Name, err)
		}
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not allowed", u.Scheme)
}

// Get возвращает копию записи брокера по id
func (r *Registry) Get(id int) (*models.Broker, error) {
	b, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrBrokerNotFound, id)
	}
	return &b, nil
}

// List возвращает всех брокеров, отсортированных по id
func (r *Registry) List() []models.Broker {
	out := make([]models.Broker, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// BrokerWriter сохраняет справочник в БД
type BrokerWriter interface {
	Upsert(ctx context.Context, broker *models.Broker) error
}

// Seed записывает реестр в таблицу brokers, чтобы внешние ключи подключений были валидны
func (r *Registry) Seed(ctx context.Context, w BrokerWriter) error {
	for i := range r.ordered {
		b := r.ordered[i]
		if err := w.Upsert(ctx, &b); err != nil {
			return fmt.Errorf("failed to seed broker %q: %w", b.Name, err)
		}
	}
	return nil
}
