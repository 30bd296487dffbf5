package travel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	xerrors "OpenTrip-Agent/internal/errors"
	"OpenTrip-Agent/internal/tool"
	"OpenTrip-Agent/pkg/logger"
)

// 行程类型编码。源头数据对默认值的描述自相矛盾，这里统一取
// 往返（1）作为规范默认值。
const (
	TripRoundTrip = 1
	TripOneWay    = 2
	TripMultiCity = 3
)

// hotelResultLimit 限制酒店检索返回的条目数量。
const hotelResultLimit = 5

// Searcher 抽象了底层检索服务的能力。
type Searcher interface {
	Search(ctx context.Context, engine string, params map[string]string) (map[string]any, error)
}

// Tools 将航班与酒店检索包装为可注册的工具。
type Tools struct {
	searcher Searcher
	defs     EngineDefinitions
	cache    Cache
	log      *slog.Logger
}

// ToolsOption 定义可选的 Tools 配置。
type ToolsOption func(*Tools)

// WithEngineDefinitions 指定引擎默认参数。
func WithEngineDefinitions(defs EngineDefinitions) ToolsOption {
	return func(t *Tools) {
		t.defs = defs
	}
}

// WithCache 启用检索结果缓存。
func WithCache(cache Cache) ToolsOption {
	return func(t *Tools) {
		t.cache = cache
	}
}

// NewTools 创建旅行工具集。
func NewTools(searcher Searcher, opts ...ToolsOption) *Tools {
	t := &Tools{
		searcher: searcher,
		defs:     DefaultEngineDefinitions(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.log == nil {
		t.log = logger.Named("travel")
	}
	return t
}

// RegisterAll 把全部旅行工具注册到注册表。
func (t *Tools) RegisterAll(registry *tool.Registry) error {
	if err := registry.Register(t.FlightSpec()); err != nil {
		return err
	}
	return registry.Register(t.HotelSpec())
}

// FlightSpec 返回航班检索工具。
func (t *Tools) FlightSpec() tool.Spec {
	return tool.Spec{
		Name:        "flights_searcher",
		Description: "Find flights using the Google Flights engine.",
		Schema: &tool.Schema{
			Fields: []tool.Field{
				{Name: "departure_id", Type: tool.TypeString, Description: "Departure airport code (IATA)"},
				{Name: "arrival_id", Type: tool.TypeString, Description: "Arrival airport code (IATA)"},
				{Name: "outbound_date", Type: tool.TypeString, Description: "Outbound date in YYYY-MM-DD format, e.g. 2025-06-22"},
				{Name: "return_date", Type: tool.TypeString, Description: "Return date in YYYY-MM-DD format, e.g. 2025-06-28"},
				{Name: "adults", Type: tool.TypeInteger, Description: "Number of adults", Default: 1},
				{Name: "children", Type: tool.TypeInteger, Description: "Number of children", Default: 0},
				{Name: "infants_in_seat", Type: tool.TypeInteger, Description: "Number of infants in seat", Default: 0},
				{Name: "infants_on_lap", Type: tool.TypeInteger, Description: "Number of infants on lap", Default: 0},
				{Name: "type", Type: tool.TypeInteger, Description: "Trip type: 1 round trip, 2 one way, 3 multi-city", Default: TripRoundTrip},
			},
		},
		Run: t.searchFlights,
	}
}

// HotelSpec 返回酒店检索工具。
func (t *Tools) HotelSpec() tool.Spec {
	return tool.Spec{
		Name:        "hotels_searcher",
		Description: "Search for hotels using the Google Hotels engine.",
		Schema: &tool.Schema{
			Fields: []tool.Field{
				{Name: "q", Type: tool.TypeString, Description: "Location of the hotel", Required: true},
				{Name: "check_in_date", Type: tool.TypeString, Description: "Check-in date in YYYY-MM-DD format, e.g. 2025-06-22", Required: true},
				{Name: "check_out_date", Type: tool.TypeString, Description: "Check-out date in YYYY-MM-DD format, e.g. 2025-06-28", Required: true},
				{Name: "sort_by", Type: tool.TypeString, Description: "Sorting order, default is by highest rating", Default: "8"},
				{Name: "adults", Type: tool.TypeInteger, Description: "Number of adults", Default: 1},
				{Name: "children", Type: tool.TypeInteger, Description: "Number of children", Default: 0},
				{Name: "rooms", Type: tool.TypeInteger, Description: "Number of rooms", Default: 1},
				{Name: "hotel_class", Type: tool.TypeString, Description: "Comma separated hotel star classes to include, e.g. 2,3,4"},
			},
		},
		Run: t.searchHotels,
	}
}

func (t *Tools) searchFlights(ctx context.Context, args tool.Args) (string, error) {
	params := t.defs.BaseParams(EngineFlights)
	putString(params, args, "departure_id")
	putString(params, args, "arrival_id")
	putString(params, args, "outbound_date")
	putString(params, args, "return_date")
	putInt(params, args, "adults")
	putInt(params, args, "children")
	putInt(params, args, "infants_in_seat")
	putInt(params, args, "infants_on_lap")
	putInt(params, args, "type")

	data, err := t.search(ctx, EngineFlights, params)
	if err != nil {
		return "", err
	}

	flights, ok := data["best_flights"]
	if !ok {
		return "No flights found.", nil
	}
	return serialize(flights)
}

func (t *Tools) searchHotels(ctx context.Context, args tool.Args) (string, error) {
	params := t.defs.BaseParams(EngineHotels)
	putString(params, args, "q")
	putString(params, args, "check_in_date")
	putString(params, args, "check_out_date")
	putString(params, args, "sort_by")
	putString(params, args, "hotel_class")
	putInt(params, args, "adults")
	putInt(params, args, "children")
	putInt(params, args, "rooms")

	data, err := t.search(ctx, EngineHotels, params)
	if err != nil {
		return "", err
	}

	properties, ok := data["properties"].([]any)
	if !ok || len(properties) == 0 {
		return "No hotels found.", nil
	}
	if len(properties) > hotelResultLimit {
		properties = properties[:hotelResultLimit]
	}
	return serialize(properties)
}

// search 执行一次检索，可能命中缓存。
func (t *Tools) search(ctx context.Context, engine string, params map[string]string) (map[string]any, error) {
	key := CacheKey(engine, params)
	if t.cache != nil {
		if cached, ok := t.cache.Get(ctx, key); ok {
			t.log.Debug("检索命中缓存", slog.String("engine", engine))
			var data map[string]any
			if err := json.Unmarshal([]byte(cached), &data); err == nil {
				return data, nil
			}
		}
	}

	data, err := t.searcher.Search(ctx, engine, params)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		if encoded, err := json.Marshal(data); err == nil {
			t.cache.Set(ctx, key, string(encoded))
		}
	}
	return data, nil
}

func serialize(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeToolExecution, err, "序列化检索结果失败")
	}
	return string(encoded), nil
}

func putString(params map[string]string, args tool.Args, key string) {
	if value := args.String(key); value != "" {
		params[key] = value
	}
}

func putInt(params map[string]string, args tool.Args, key string) {
	if value, ok := args[key]; ok {
		if n, ok := value.(int); ok {
			params[key] = strconv.Itoa(n)
		}
	}
}
