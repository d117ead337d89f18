package bot

// Состояния стоп-менеджмента позиции
const (
	StateOpen           = "open"     // позиция открыта, триггеры ещё не размещены
	StateArmed          = "armed"    // стоп-лосс и extreme TP размещены
	StateTrailing       = "trailing" // стоп передвинут trailing-логикой
	StatePartial1       = "partial_1"
	StatePartial2       = "partial_2"
	StatePartial3       = "partial_3"
	StateClosed         = "closed"
	StateEmergencyClose = "emergency_close"
)

// ValidTransitions определяет допустимые переходы между состояниями.
// Любое нетерминальное состояние может перейти в EmergencyClose.
var ValidTransitions = map[string][]string{
	StateOpen:           {StateArmed, StateEmergencyClose},
	StateArmed:          {StateTrailing, StatePartial1, StateClosed, StateEmergencyClose},
	StateTrailing:       {StateTrailing, StatePartial1, StateClosed, StateEmergencyClose},
	StatePartial1:       {StatePartial2, StateTrailing, StateClosed, StateEmergencyClose},
	StatePartial2:       {StatePartial3, StateTrailing, StateClosed, StateEmergencyClose},
	StatePartial3:       {StateClosed, StateEmergencyClose},
	StateEmergencyClose: {StateClosed},
	StateClosed:         {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true для терминального состояния
func IsTerminal(s string) bool {
	return s == StateClosed
}

// PartialStage возвращает бейдж стадии частичного закрытия по
// записанной доле. Записанное значение авторитетно; границы стадий
// производные.
func PartialStage(fraction float64) string {
	switch {
	case fraction >= 1.0:
		return "final"
	case fraction >= 0.66:
		return "tp2"
	case fraction >= 0.33:
		return "tp1"
	default:
		return "none"
	}
}

// StateFromFraction восстанавливает состояние стоп-менеджмента
// по записанной доле частичного закрытия
func StateFromFraction(fraction float64) string {
	switch {
	case fraction >= 1.0:
		return StateClosed
	case fraction >= 0.66:
		return StatePartial2
	case fraction >= 0.33:
		return StatePartial1
	default:
		return StateArmed
	}
}
