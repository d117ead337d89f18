package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"aitrader/pkg/retry"
	"aitrader/pkg/utils"
)

const (
	gateBaseURL        = "https://api.gateio.ws/api/v4"
	gateTestnetBaseURL = "https://fx-api-testnet.gateio.ws/api/v4"
	gateSettle         = "usdt"
)

// Gate реализует интерфейс Exchange для фьючерсов Gate.io.
//
// Контрактная математика: размер ордера в целых контрактах, один
// контракт равен QuantoMultiplier монет. Канонический символ BTC
// соответствует контракту BTC_USDT.
type Gate struct {
	apiKey    string
	secretKey string
	baseURL   string

	httpClient  *http.Client
	coordinator *Coordinator
	logger      *utils.Logger

	symbols map[string]bool // сконфигурированные канонические символы
}

// NewGate создает новый адаптер Gate.io.
// testnet переключает базовый URL на тестовую сеть.
func NewGate(apiKey, secretKey string, testnet bool, symbols []string, coordinator *Coordinator, logger *utils.Logger) *Gate {
	baseURL := gateBaseURL
	if testnet {
		baseURL = gateTestnetBaseURL
	}
	if logger == nil {
		logger = utils.L()
	}

	symbolSet := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		symbolSet[s] = true
	}

	return &Gate{
		apiKey:      apiKey,
		secretKey:   secretKey,
		baseURL:     baseURL,
		httpClient:  GetGlobalHTTPClient().GetClient(),
		coordinator: coordinator,
		logger:      logger.WithExchange("gate"),
		symbols:     symbolSet,
	}
}

func (g *Gate) GetName() string {
	return "gate"
}

func (g *Gate) ContractType() string {
	return ContractTypeInverse
}

// NormalizeSymbol: BTC_USDT -> BTC
func (g *Gate) NormalizeSymbol(contractID string) string {
	return strings.TrimSuffix(contractID, "_USDT")
}

// ContractID: BTC -> BTC_USDT
func (g *Gate) ContractID(symbol string) string {
	return symbol + "_USDT"
}

// sign создает подпись запроса к Gate API v4 (HMAC-SHA512)
func (g *Gate) sign(method, path, query, bodyHash, timestamp string) string {
	message := method + "\n" + path + "\n" + query + "\n" + bodyHash + "\n" + timestamp
	h := hmac.New(sha512.New, []byte(g.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Gate API через координатор.
// endpoint указывается без /api/v4 и без query.
func (g *Gate) doRequest(ctx context.Context, method, endpoint string, query url.Values, body interface{}, signed bool) ([]byte, error) {
	// Допуск координатора перед любым исходящим запросом
	if g.coordinator != nil {
		if err := g.coordinator.Acquire(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	var reqBody string
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = string(jsonBytes)
	}

	queryStr := ""
	if query != nil {
		queryStr = query.Encode()
	}

	reqURL := g.baseURL + endpoint
	if queryStr != "" {
		reqURL += "?" + queryStr
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		bodySum := sha512.Sum512([]byte(reqBody))
		bodyHash := hex.EncodeToString(bodySum[:])
		signature := g.sign(method, "/api/v4"+endpoint, queryStr, bodyHash, timestamp)

		req.Header.Set("KEY", g.apiKey)
		req.Header.Set("Timestamp", timestamp)
		req.Header.Set("SIGN", signature)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.recordFailure()
		return nil, err
	}

	// Штрафы от биржи транслируются координатору
	switch resp.StatusCode {
	case http.StatusTooManyRequests: // 429
		if g.coordinator != nil {
			g.coordinator.Handle429()
		}
		g.recordFailure()
		return nil, &ExchangeError{Exchange: "gate", Code: "429", Message: "rate limit exceeded"}
	case http.StatusTeapot: // 418: IP-бан
		var banDuration time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				banDuration = time.Duration(seconds) * time.Second
			}
		}
		if g.coordinator != nil {
			g.coordinator.Handle418(banDuration)
		}
		g.recordFailure()
		return nil, &ExchangeError{Exchange: "gate", Code: "418", Message: "IP banned"}
	}

	if resp.StatusCode >= 400 {
		g.recordFailure()
		return nil, g.mapError(resp.StatusCode, respBody)
	}

	if g.coordinator != nil {
		g.coordinator.RecordSuccess()
	}
	return respBody, nil
}

func (g *Gate) recordFailure() {
	if g.coordinator != nil {
		g.coordinator.RecordFailure()
	}
}

// mapError транслирует тело ошибки Gate в типизированную ошибку
func (g *Gate) mapError(statusCode int, body []byte) error {
	var gateErr struct {
		Label   string `json:"label"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &gateErr)

	base := &ExchangeError{
		Exchange: "gate",
		Code:     gateErr.Label,
		Message:  gateErr.Message,
	}
	if base.Message == "" {
		base.Message = fmt.Sprintf("HTTP %d", statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		base.Original = ErrPermissionDenied
	case gateErr.Label == "INSUFFICIENT_AVAILABLE" || gateErr.Label == "BALANCE_NOT_ENOUGH":
		base.Original = ErrInsufficientFunds
	case gateErr.Label == "CONTRACT_NOT_FOUND":
		base.Original = ErrContractNotFound
	}

	return base
}

// retryConfig - 1s/2s/4s для временных ошибок; блокировки координатора,
// 401 и нехватка средств не ретраятся
func (g *Gate) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = isRetryableExchangeErr
	return cfg
}

func (g *Gate) GetContract(ctx context.Context, symbol string) (*Contract, error) {
	return retry.DoWithResult(ctx, func() (*Contract, error) {
		body, err := g.doRequest(ctx, http.MethodGet,
			"/futures/"+gateSettle+"/contracts/"+g.ContractID(symbol), nil, nil, false)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Name             string `json:"name"`
			QuantoMultiplier string `json:"quanto_multiplier"`
			OrderSizeMin     int64  `json:"order_size_min"`
			OrderSizeMax     int64  `json:"order_size_max"`
			OrderPriceRound  string `json:"order_price_round"`
			MarkPriceRound   string `json:"mark_price_round"`
			LeverageMax      string `json:"leverage_max"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		multiplier, _ := strconv.ParseFloat(resp.QuantoMultiplier, 64)
		priceRound, _ := strconv.ParseFloat(resp.OrderPriceRound, 64)
		markRound, _ := strconv.ParseFloat(resp.MarkPriceRound, 64)
		leverageMax, _ := strconv.Atoi(resp.LeverageMax)

		return &Contract{
			Symbol:           g.NormalizeSymbol(resp.Name),
			ContractID:       resp.Name,
			Type:             ContractTypeInverse,
			QuantoMultiplier: multiplier,
			OrderSizeMin:     float64(resp.OrderSizeMin),
			OrderSizeMax:     float64(resp.OrderSizeMax),
			OrderPriceRound:  priceRound,
			MarkPriceRound:   markRound,
			LeverageMax:      leverageMax,
		}, nil
	}, g.retryConfig())
}

func (g *Gate) GetTicker(ctx context.Context, symbol string, includeMark bool) (*Ticker, error) {
	return retry.DoWithResult(ctx, func() (*Ticker, error) {
		query := url.Values{}
		query.Set("contract", g.ContractID(symbol))

		body, err := g.doRequest(ctx, http.MethodGet,
			"/futures/"+gateSettle+"/tickers", query, nil, false)
		if err != nil {
			return nil, err
		}

		var resp []struct {
			Contract   string `json:"contract"`
			Last       string `json:"last"`
			MarkPrice  string `json:"mark_price"`
			IndexPrice string `json:"index_price"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, symbol)
		}

		t := resp[0]
		last, _ := strconv.ParseFloat(t.Last, 64)

		ticker := &Ticker{
			Symbol:    symbol,
			LastPrice: last,
			Timestamp: time.Now(),
		}
		if includeMark {
			ticker.MarkPrice, _ = strconv.ParseFloat(t.MarkPrice, 64)
			ticker.IndexPrice, _ = strconv.ParseFloat(t.IndexPrice, 64)
		}
		return ticker, nil
	}, g.retryConfig())
}

func (g *Gate) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	return retry.DoWithResult(ctx, func() ([]Candle, error) {
		query := url.Values{}
		query.Set("contract", g.ContractID(symbol))
		query.Set("interval", interval)
		query.Set("limit", strconv.Itoa(limit))

		body, err := g.doRequest(ctx, http.MethodGet,
			"/futures/"+gateSettle+"/candlesticks", query, nil, false)
		if err != nil {
			return nil, err
		}

		var resp []struct {
			T int64  `json:"t"`
			V int64  `json:"v"` // на тестовой сети может быть 0
			C string `json:"c"`
			H string `json:"h"`
			L string `json:"l"`
			O string `json:"o"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		// Gate отдаёт свечи по возрастанию времени
		candles := make([]Candle, 0, len(resp))
		for _, k := range resp {
			open, _ := strconv.ParseFloat(k.O, 64)
			high, _ := strconv.ParseFloat(k.H, 64)
			low, _ := strconv.ParseFloat(k.L, 64)
			closePrice, _ := strconv.ParseFloat(k.C, 64)

			candles = append(candles, Candle{
				Timestamp: time.Unix(k.T, 0).UTC(),
				Open:      open,
				High:      high,
				Low:       low,
				Close:     closePrice,
				Volume:    float64(k.V),
			})
		}
		return candles, nil
	}, g.retryConfig())
}

func (g *Gate) GetAccount(ctx context.Context) (*Account, error) {
	return retry.DoWithResult(ctx, func() (*Account, error) {
		body, err := g.doRequest(ctx, http.MethodGet,
			"/futures/"+gateSettle+"/accounts", nil, nil, true)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Total          string `json:"total"`
			Available      string `json:"available"`
			PositionMargin string `json:"position_margin"`
			UnrealisedPnl  string `json:"unrealised_pnl"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		total, _ := strconv.ParseFloat(resp.Total, 64)
		available, _ := strconv.ParseFloat(resp.Available, 64)
		margin, _ := strconv.ParseFloat(resp.PositionMargin, 64)
		unrealized, _ := strconv.ParseFloat(resp.UnrealisedPnl, 64)

		// total у Gate не включает нереализованный PNL
		return &Account{
			Total:          total,
			Available:      available,
			PositionMargin: margin,
			UnrealizedPnl:  unrealized,
		}, nil
	}, g.retryConfig())
}

func (g *Gate) GetPositions(ctx context.Context) ([]*Position, error) {
	return retry.DoWithResult(ctx, func() ([]*Position, error) {
		body, err := g.doRequest(ctx, http.MethodGet,
			"/futures/"+gateSettle+"/positions", nil, nil, true)
		if err != nil {
			return nil, err
		}

		var resp []struct {
			Contract      string `json:"contract"`
			Size          int64  `json:"size"` // со знаком: <0 = шорт
			EntryPrice    string `json:"entry_price"`
			MarkPrice     string `json:"mark_price"`
			Leverage      string `json:"leverage"`
			UnrealisedPnl string `json:"unrealised_pnl"`
			UpdateTime    int64  `json:"update_time"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		positions := make([]*Position, 0)
		for _, p := range resp {
			if p.Size == 0 {
				continue
			}
			symbol := g.NormalizeSymbol(p.Contract)
			if len(g.symbols) > 0 && !g.symbols[symbol] {
				continue
			}

			entryPrice, _ := strconv.ParseFloat(p.EntryPrice, 64)
			markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
			leverage, _ := strconv.Atoi(p.Leverage)
			unrealized, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)

			side := "long"
			size := float64(p.Size)
			if p.Size < 0 {
				side = "short"
				size = -size
			}

			positions = append(positions, &Position{
				Symbol:        symbol,
				Side:          side,
				Size:          size,
				EntryPrice:    entryPrice,
				MarkPrice:     markPrice,
				Leverage:      leverage,
				UnrealizedPnl: unrealized,
				UpdatedAt:     time.Unix(p.UpdateTime, 0).UTC(),
			})
		}
		return positions, nil
	}, g.retryConfig())
}

func (g *Gate) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	contract, err := g.GetContract(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	size := ClampOrderSize(req.Size, contract)

	price := "0" // market
	tif := req.TimeInForce
	if req.Price > 0 {
		// Кламп цены к полосе 1.5% от mark и округление до тика
		ticker, err := g.GetTicker(ctx, req.Symbol, true)
		if err != nil {
			return nil, err
		}
		clamped := ClampOrderPrice(req.Price, ticker.MarkPrice, contract)
		price = formatTickPrice(clamped, contract.OrderPriceRound)
		if tif == "" {
			tif = "gtc"
		}
	} else {
		// Рыночный ордер всегда ioc
		tif = "ioc"
	}

	return retry.DoWithResult(ctx, func() (*Order, error) {
		orderReq := map[string]interface{}{
			"contract": g.ContractID(req.Symbol),
			"size":     int64(size),
			"price":    price,
			"tif":      tif,
		}
		if req.ReduceOnly {
			orderReq["reduce_only"] = true
		}

		body, err := g.doRequest(ctx, http.MethodPost,
			"/futures/"+gateSettle+"/orders", nil, orderReq, true)
		if err != nil {
			return nil, err
		}

		var resp struct {
			ID         int64  `json:"id"`
			Status     string `json:"status"`
			FillPrice  string `json:"fill_price"`
			Size       int64  `json:"size"`
			Left       int64  `json:"left"`
			CreateTime int64  `json:"create_time"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		fillPrice, _ := strconv.ParseFloat(resp.FillPrice, 64)

		status := OrderStatusOpen
		if resp.Status == "finished" {
			status = OrderStatusFilled
		}

		return &Order{
			ID:           strconv.FormatInt(resp.ID, 10),
			Symbol:       req.Symbol,
			Size:         float64(resp.Size),
			AvgFillPrice: fillPrice,
			FilledSize:   float64(resp.Size - resp.Left),
			Status:       status,
			CreatedAt:    time.Unix(resp.CreateTime, 0).UTC(),
		}, nil
	}, g.retryConfig())
}

func (g *Gate) PlaceTriggerOrder(ctx context.Context, req *TriggerOrderRequest) (string, error) {
	contract, err := g.GetContract(ctx, req.Symbol)
	if err != nil {
		return "", err
	}

	triggerPrice := RoundTriggerPrice(req.TriggerPrice, contract)

	// Закрытие противоположно стороне позиции: лонг закрывается
	// продажей (отрицательный размер), шорт — покупкой
	closeSize := int64(req.CloseSize)
	if req.PositionSide == "long" {
		closeSize = -closeSize
	}

	return retry.DoWithResult(ctx, func() (string, error) {
		triggerReq := map[string]interface{}{
			"initial": map[string]interface{}{
				"contract":    g.ContractID(req.Symbol),
				"size":        closeSize,
				"price":       "0", // market по срабатыванию
				"tif":         "ioc",
				"reduce_only": true,
			},
			"trigger": map[string]interface{}{
				"strategy_type": 0,
				"price_type":    1, // mark price
				"price":         formatTickPrice(triggerPrice, contract.OrderPriceRound),
				"rule":          req.Rule,
			},
		}

		body, err := g.doRequest(ctx, http.MethodPost,
			"/futures/"+gateSettle+"/price_orders", nil, triggerReq, true)
		if err != nil {
			return "", err
		}

		var resp struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", err
		}
		return strconv.FormatInt(resp.ID, 10), nil
	}, g.retryConfig())
}

func (g *Gate) CancelTriggerOrders(ctx context.Context, symbol string) error {
	err := retry.Do(ctx, func() error {
		query := url.Values{}
		if symbol != "" {
			query.Set("contract", g.ContractID(symbol))
		}

		_, err := g.doRequest(ctx, http.MethodDelete,
			"/futures/"+gateSettle+"/price_orders", query, nil, true)
		return err
	}, g.retryConfig())

	// Идемпотентность: отсутствие ордеров — успех
	if err != nil && isNotFoundErr(err) {
		return nil
	}
	return err
}

func (g *Gate) GetMyTrades(ctx context.Context, symbol string, limit int, startTime time.Time) ([]*Fill, error) {
	if limit <= 0 {
		limit = 100
	}

	return retry.DoWithResult(ctx, func() ([]*Fill, error) {
		query := url.Values{}
		if symbol != "" {
			query.Set("contract", g.ContractID(symbol))
		}
		query.Set("limit", strconv.Itoa(limit))
		if !startTime.IsZero() {
			query.Set("from", strconv.FormatInt(startTime.Unix(), 10))
		}

		body, err := g.doRequest(ctx, http.MethodGet,
			"/futures/"+gateSettle+"/my_trades", query, nil, true)
		if err != nil {
			return nil, err
		}

		var resp []struct {
			OrderID    string `json:"order_id"`
			Contract   string `json:"contract"`
			Price      string `json:"price"`
			Size       int64  `json:"size"`
			Fee        string `json:"fee"` // в валюте котировки
			CreateTime int64  `json:"create_time"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		// Gate отдаёт новые первыми
		fills := make([]*Fill, 0, len(resp))
		for _, f := range resp {
			price, _ := strconv.ParseFloat(f.Price, 64)
			fee, _ := strconv.ParseFloat(f.Fee, 64)

			fills = append(fills, &Fill{
				OrderID:   f.OrderID,
				Symbol:    g.NormalizeSymbol(f.Contract),
				Price:     price,
				Size:      float64(f.Size),
				Fee:       fee,
				Timestamp: time.Unix(f.CreateTime, 0).UTC(),
			})
		}
		return fills, nil
	}, g.retryConfig())
}

func (g *Gate) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return retry.Do(ctx, func() error {
		query := url.Values{}
		query.Set("leverage", strconv.Itoa(leverage))

		_, err := g.doRequest(ctx, http.MethodPost,
			"/futures/"+gateSettle+"/positions/"+g.ContractID(symbol)+"/leverage", query, nil, true)
		return err
	}, g.retryConfig())
}

func (g *Gate) CalculateQuantity(usdt, price float64, leverage int, c *Contract) float64 {
	return CalculateQuantity(usdt, price, leverage, c)
}

func (g *Gate) CalculatePnL(entry, exit, qty float64, side string, c *Contract) float64 {
	return CalculatePnL(entry, exit, qty, side, c)
}

func (g *Gate) Close() error {
	return nil
}

// ============================================================
// Вспомогательные функции
// ============================================================

// formatTickPrice форматирует цену строкой с точностью шага цены.
// decimal исключает артефакты плавающей точки вида 30449.999999999996.
func formatTickPrice(price, tick float64) string {
	if tick <= 0 {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	d := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	return d.Div(t).Round(0).Mul(t).String()
}

// isNotFoundErr проверяет что ошибка — "не найдено" (404 и аналоги)
func isNotFoundErr(err error) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		switch exErr.Code {
		case "404", "ORDER_NOT_FOUND", "AUTO_ORDER_NOT_FOUND":
			return true
		}
	}
	return false
}

// isRetryableExchangeErr - политика ретраев биржевых операций:
// блокировки координатора, 401 и нехватка средств не ретраятся
func isRetryableExchangeErr(err error) bool {
	if err == nil {
		return false
	}
	if IsBlockedError(err) {
		return false
	}
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		switch exErr.Original {
		case ErrPermissionDenied, ErrInsufficientFunds, ErrContractNotFound:
			return false
		}
		// 429/418 уже учтены координатором, ретраить бессмысленно
		if exErr.Code == "429" || exErr.Code == "418" {
			return false
		}
	}
	return true
}
