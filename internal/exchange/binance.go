package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"aitrader/pkg/retry"
	"aitrader/pkg/utils"
)

const (
	binanceBaseURL        = "https://fapi.binance.com"
	binanceTestnetBaseURL = "https://testnet.binancefuture.com"
)

// Binance реализует интерфейс Exchange для USDT-M фьючерсов Binance.
//
// Линейная математика: размер ордера в монетах, PNL = Δцены × qty.
// Канонический символ BTC соответствует паре BTCUSDT.
type Binance struct {
	client      *futures.Client
	coordinator *Coordinator
	logger      *utils.Logger

	symbols map[string]bool
}

// NewBinance создает новый адаптер Binance Futures
func NewBinance(apiKey, secretKey string, testnet bool, symbols []string, coordinator *Coordinator, logger *utils.Logger) *Binance {
	client := futures.NewClient(apiKey, secretKey)
	if testnet {
		client.BaseURL = binanceTestnetBaseURL
	} else {
		client.BaseURL = binanceBaseURL
	}

	if logger == nil {
		logger = utils.L()
	}

	symbolSet := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		symbolSet[s] = true
	}

	return &Binance{
		client:      client,
		coordinator: coordinator,
		logger:      logger.WithExchange("binance"),
		symbols:     symbolSet,
	}
}

func (b *Binance) GetName() string {
	return "binance"
}

func (b *Binance) ContractType() string {
	return ContractTypeLinear
}

// NormalizeSymbol: BTCUSDT -> BTC
func (b *Binance) NormalizeSymbol(contractID string) string {
	return strings.TrimSuffix(contractID, "USDT")
}

// ContractID: BTC -> BTCUSDT
func (b *Binance) ContractID(symbol string) string {
	return symbol + "USDT"
}

// acquire запрашивает допуск координатора перед исходящим вызовом
func (b *Binance) acquire(ctx context.Context, endpoint string) error {
	if b.coordinator == nil {
		return nil
	}
	return b.coordinator.Acquire(ctx, endpoint)
}

// wrapErr транслирует ошибку go-binance в типизированную ошибку слоя
// и передаёт штрафы биржи координатору
func (b *Binance) recordSuccess() {
	if b.coordinator != nil {
		b.coordinator.RecordSuccess()
	}
}

func (b *Binance) wrapErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		base := &ExchangeError{
			Exchange: "binance",
			Code:     strconv.FormatInt(apiErr.Code, 10),
			Message:  apiErr.Message,
		}

		switch apiErr.Code {
		case -1003: // rate limit / IP ban
			if strings.Contains(apiErr.Message, "banned until") {
				if b.coordinator != nil {
					b.coordinator.Handle418(parseBanDuration(apiErr.Message))
				}
			} else if b.coordinator != nil {
				b.coordinator.Handle429()
			}
		case -2019, -3005, -3041: // нехватка маржи
			base.Original = ErrInsufficientFunds
		case -2014, -2015: // ключи / права / IP whitelist
			base.Original = ErrPermissionDenied
		case -1121: // invalid symbol
			base.Original = ErrContractNotFound
		}

		if b.coordinator != nil && base.Original == nil {
			b.coordinator.RecordFailure()
		}
		return base
	}

	if b.coordinator != nil {
		b.coordinator.RecordFailure()
	}
	return err
}

// parseBanDuration извлекает срок бана из сообщения
// "... IP banned until 1669393999999" (unix ms)
func parseBanDuration(message string) time.Duration {
	idx := strings.LastIndex(message, "banned until ")
	if idx < 0 {
		return 0
	}
	rest := strings.TrimSpace(message[idx+len("banned until "):])
	if dot := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' }); dot >= 0 {
		rest = rest[:dot]
	}
	untilMs, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0
	}
	d := time.Until(utils.FromUnixMillis(untilMs))
	if d < 0 {
		return 0
	}
	return d
}

func (b *Binance) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = isRetryableExchangeErr
	return cfg
}

func (b *Binance) GetContract(ctx context.Context, symbol string) (*Contract, error) {
	return retry.DoWithResult(ctx, func() (*Contract, error) {
		if err := b.acquire(ctx, "/fapi/v1/exchangeInfo"); err != nil {
			return nil, err
		}

		info, err := b.client.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, b.wrapErr(err)
		}
		b.recordSuccess()

		contractID := b.ContractID(symbol)
		for _, s := range info.Symbols {
			if s.Symbol != contractID {
				continue
			}

			contract := &Contract{
				Symbol:      symbol,
				ContractID:  s.Symbol,
				Type:        ContractTypeLinear,
				LeverageMax: 125,
			}
			if lot := s.LotSizeFilter(); lot != nil {
				contract.OrderSizeMin, _ = strconv.ParseFloat(lot.MinQuantity, 64)
				contract.OrderSizeMax, _ = strconv.ParseFloat(lot.MaxQuantity, 64)
				// Шаг количества совпадает с минимальным размером
				if step, err := strconv.ParseFloat(lot.StepSize, 64); err == nil && step > 0 {
					contract.OrderSizeMin = step
				}
			}
			if pf := s.PriceFilter(); pf != nil {
				tick, _ := strconv.ParseFloat(pf.TickSize, 64)
				contract.OrderPriceRound = tick
				contract.MarkPriceRound = tick
			}
			return contract, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, symbol)
	}, b.retryConfig())
}

func (b *Binance) GetTicker(ctx context.Context, symbol string, includeMark bool) (*Ticker, error) {
	return retry.DoWithResult(ctx, func() (*Ticker, error) {
		if err := b.acquire(ctx, "/fapi/v1/premiumIndex"); err != nil {
			return nil, err
		}

		// premiumIndex отдаёт mark и index одним вызовом
		premium, err := b.client.NewPremiumIndexService().Symbol(b.ContractID(symbol)).Do(ctx)
		if err != nil {
			return nil, b.wrapErr(err)
		}
		if len(premium) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, symbol)
		}

		prices, err := b.client.NewListPricesService().Symbol(b.ContractID(symbol)).Do(ctx)
		if err != nil {
			return nil, b.wrapErr(err)
		}
		if len(prices) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, symbol)
		}
		b.recordSuccess()

		last, _ := strconv.ParseFloat(prices[0].Price, 64)

		ticker := &Ticker{
			Symbol:    symbol,
			LastPrice: last,
			Timestamp: time.Now(),
		}
		if includeMark {
			ticker.MarkPrice, _ = strconv.ParseFloat(premium[0].MarkPrice, 64)
			ticker.IndexPrice, _ = strconv.ParseFloat(premium[0].IndexPrice, 64)
		}
		return ticker, nil
	}, b.retryConfig())
}

func (b *Binance) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	return retry.DoWithResult(ctx, func() ([]Candle, error) {
		if err := b.acquire(ctx, "/fapi/v1/klines"); err != nil {
			return nil, err
		}

		klines, err := b.client.NewKlinesService().
			Symbol(b.ContractID(symbol)).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return nil, b.wrapErr(err)
		}
		b.recordSuccess()

		candles := make([]Candle, 0, len(klines))
		for _, k := range klines {
			open, _ := strconv.ParseFloat(k.Open, 64)
			high, _ := strconv.ParseFloat(k.High, 64)
			low, _ := strconv.ParseFloat(k.Low, 64)
			closePrice, _ := strconv.ParseFloat(k.Close, 64)
			volume, _ := strconv.ParseFloat(k.Volume, 64)

			candles = append(candles, Candle{
				Timestamp: utils.FromUnixMillis(k.OpenTime),
				Open:      open,
				High:      high,
				Low:       low,
				Close:     closePrice,
				Volume:    volume,
			})
		}
		return candles, nil
	}, b.retryConfig())
}

func (b *Binance) GetAccount(ctx context.Context) (*Account, error) {
	return retry.DoWithResult(ctx, func() (*Account, error) {
		if err := b.acquire(ctx, "/fapi/v2/account"); err != nil {
			return nil, err
		}

		account, err := b.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return nil, b.wrapErr(err)
		}
		b.recordSuccess()

		total, _ := strconv.ParseFloat(account.TotalWalletBalance, 64)
		available, _ := strconv.ParseFloat(account.AvailableBalance, 64)
		margin, _ := strconv.ParseFloat(account.TotalPositionInitialMargin, 64)
		unrealized, _ := strconv.ParseFloat(account.TotalUnrealizedProfit, 64)

		return &Account{
			Total:          total,
			Available:      available,
			PositionMargin: margin,
			UnrealizedPnl:  unrealized,
		}, nil
	}, b.retryConfig())
}

func (b *Binance) GetPositions(ctx context.Context) ([]*Position, error) {
	return retry.DoWithResult(ctx, func() ([]*Position, error) {
		if err := b.acquire(ctx, "/fapi/v2/positionRisk"); err != nil {
			return nil, err
		}

		risks, err := b.client.NewGetPositionRiskService().Do(ctx)
		if err != nil {
			return nil, b.wrapErr(err)
		}
		b.recordSuccess()

		positions := make([]*Position, 0)
		for _, p := range risks {
			amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
			if amt == 0 {
				continue
			}
			symbol := b.NormalizeSymbol(p.Symbol)
			if len(b.symbols) > 0 && !b.symbols[symbol] {
				continue
			}

			entryPrice, _ := strconv.ParseFloat(p.EntryPrice, 64)
			markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
			leverage, _ := strconv.Atoi(p.Leverage)
			unrealized, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)

			side := "long"
			size := amt
			if amt < 0 {
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
				UpdatedAt:     time.Now().UTC(),
			})
		}
		return positions, nil
	}, b.retryConfig())
}

func (b *Binance) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	contract, err := b.GetContract(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	size := ClampOrderSize(req.Size, contract)

	side := futures.SideTypeBuy
	qty := size
	if size < 0 {
		side = futures.SideTypeSell
		qty = -qty
	}
	qtyStr := formatTickPrice(qty, contract.OrderSizeMin)

	return retry.DoWithResult(ctx, func() (*Order, error) {
		if err := b.acquire(ctx, "/fapi/v1/order"); err != nil {
			return nil, err
		}

		svc := b.client.NewCreateOrderService().
			Symbol(b.ContractID(req.Symbol)).
			Side(side).
			Quantity(qtyStr).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT)

		if req.Price > 0 {
			ticker, err := b.GetTicker(ctx, req.Symbol, true)
			if err != nil {
				return nil, err
			}
			clamped := ClampOrderPrice(req.Price, ticker.MarkPrice, contract)

			tif := futures.TimeInForceTypeGTC
			if strings.EqualFold(req.TimeInForce, "ioc") {
				tif = futures.TimeInForceTypeIOC
			}
			svc = svc.Type(futures.OrderTypeLimit).
				Price(formatTickPrice(clamped, contract.OrderPriceRound)).
				TimeInForce(tif)
		} else {
			svc = svc.Type(futures.OrderTypeMarket)
		}

		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}

		resp, err := svc.Do(ctx)
		if err != nil {
			return nil, b.wrapErr(err)
		}
		b.recordSuccess()

		avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
		executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)

		status := OrderStatusOpen
		switch resp.Status {
		case futures.OrderStatusTypeFilled:
			status = OrderStatusFilled
		case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
			status = OrderStatusCancelled
		}

		return &Order{
			ID:           strconv.FormatInt(resp.OrderID, 10),
			Symbol:       req.Symbol,
			Size:         size,
			AvgFillPrice: avgPrice,
			FilledSize:   executed,
			Status:       status,
			CreatedAt:    utils.FromUnixMillis(resp.UpdateTime),
		}, nil
	}, b.retryConfig())
}

func (b *Binance) PlaceTriggerOrder(ctx context.Context, req *TriggerOrderRequest) (string, error) {
	contract, err := b.GetContract(ctx, req.Symbol)
	if err != nil {
		return "", err
	}

	triggerPrice := RoundTriggerPrice(req.TriggerPrice, contract)

	// Закрытие противоположно стороне позиции
	side := futures.SideTypeSell
	if req.PositionSide == "short" {
		side = futures.SideTypeBuy
	}

	// STOP_MARKET срабатывает при неблагоприятном движении цены
	// относительно стороны ордера, TAKE_PROFIT_MARKET — при благоприятном:
	//   sell + mark<=price  -> STOP_MARKET
	//   sell + mark>=price  -> TAKE_PROFIT_MARKET
	//   buy  + mark>=price  -> STOP_MARKET
	//   buy  + mark<=price  -> TAKE_PROFIT_MARKET
	orderType := futures.OrderTypeStopMarket
	if (side == futures.SideTypeSell && req.Rule == TriggerRuleGTE) ||
		(side == futures.SideTypeBuy && req.Rule == TriggerRuleLTE) {
		orderType = futures.OrderTypeTakeProfitMarket
	}

	return retry.DoWithResult(ctx, func() (string, error) {
		if err := b.acquire(ctx, "/fapi/v1/order"); err != nil {
			return "", err
		}

		resp, err := b.client.NewCreateOrderService().
			Symbol(b.ContractID(req.Symbol)).
			Side(side).
			Type(orderType).
			Quantity(formatTickPrice(req.CloseSize, contract.OrderSizeMin)).
			StopPrice(formatTickPrice(triggerPrice, contract.OrderPriceRound)).
			WorkingType(futures.WorkingTypeMarkPrice).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return "", b.wrapErr(err)
		}
		b.recordSuccess()

		return strconv.FormatInt(resp.OrderID, 10), nil
	}, b.retryConfig())
}

func (b *Binance) CancelTriggerOrders(ctx context.Context, symbol string) error {
	targets := []string{symbol}
	if symbol == "" {
		targets = targets[:0]
		for s := range b.symbols {
			targets = append(targets, s)
		}
	}

	for _, s := range targets {
		err := retry.Do(ctx, func() error {
			if err := b.acquire(ctx, "/fapi/v1/allOpenOrders"); err != nil {
				return err
			}
			err := b.client.NewCancelAllOpenOrdersService().
				Symbol(b.ContractID(s)).
				Do(ctx)
			return b.wrapErr(err)
		}, b.retryConfig())

		// -2011: нечего отменять, идемпотентный успех
		if err != nil {
			var exErr *ExchangeError
			if errors.As(err, &exErr) && exErr.Code == "-2011" {
				continue
			}
			return err
		}
	}
	return nil
}

func (b *Binance) GetMyTrades(ctx context.Context, symbol string, limit int, startTime time.Time) ([]*Fill, error) {
	if limit <= 0 {
		limit = 100
	}

	return retry.DoWithResult(ctx, func() ([]*Fill, error) {
		if err := b.acquire(ctx, "/fapi/v1/userTrades"); err != nil {
			return nil, err
		}

		svc := b.client.NewListAccountTradeService().
			Symbol(b.ContractID(symbol)).
			Limit(limit)
		if !startTime.IsZero() {
			svc = svc.StartTime(startTime.UnixMilli())
		}

		trades, err := svc.Do(ctx)
		if err != nil {
			return nil, b.wrapErr(err)
		}
		b.recordSuccess()

		// Binance отдаёт старые первыми, приводим к "новые первыми"
		fills := make([]*Fill, 0, len(trades))
		for i := len(trades) - 1; i >= 0; i-- {
			t := trades[i]
			price, _ := strconv.ParseFloat(t.Price, 64)
			qty, _ := strconv.ParseFloat(t.Quantity, 64)
			fee, _ := strconv.ParseFloat(t.Commission, 64)

			if t.Side == futures.SideTypeSell {
				qty = -qty
			}

			fills = append(fills, &Fill{
				OrderID:   strconv.FormatInt(t.OrderID, 10),
				Symbol:    symbol,
				Price:     price,
				Size:      qty,
				Fee:       fee,
				Timestamp: utils.FromUnixMillis(t.Time),
			})
		}
		return fills, nil
	}, b.retryConfig())
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return retry.Do(ctx, func() error {
		if err := b.acquire(ctx, "/fapi/v1/leverage"); err != nil {
			return err
		}
		_, err := b.client.NewChangeLeverageService().
			Symbol(b.ContractID(symbol)).
			Leverage(leverage).
			Do(ctx)
		return b.wrapErr(err)
	}, b.retryConfig())
}

func (b *Binance) CalculateQuantity(usdt, price float64, leverage int, c *Contract) float64 {
	return CalculateQuantity(usdt, price, leverage, c)
}

func (b *Binance) CalculatePnL(entry, exit, qty float64, side string, c *Contract) float64 {
	return CalculatePnL(entry, exit, qty, side, c)
}

func (b *Binance) Close() error {
	return nil
}
