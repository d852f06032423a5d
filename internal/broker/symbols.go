package broker

import (
	"fmt"
	"strings"
	"time"

	"exec-core/internal/config"
)

// Resolver 维护规范符号与经纪商别名的双向映射及交易时段。
type Resolver struct {
	byCanonical map[string]config.SymbolConfig
	byAlias     map[string]string
}

// NewResolver 根据配置构造符号解析器。
func NewResolver(symbols []config.SymbolConfig) *Resolver {
	r := &Resolver{
		byCanonical: make(map[string]config.SymbolConfig, len(symbols)),
		byAlias:     make(map[string]string, len(symbols)*2),
	}
	for _, sym := range symbols {
		canonical := strings.ToUpper(strings.TrimSpace(sym.Canonical))
		if canonical == "" {
			continue
		}
		r.byCanonical[canonical] = sym
		r.byAlias[canonical] = canonical
		for _, alias := range sym.Aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			key := strings.ToUpper(alias)
			// 首个别名优先，后续重复定义不覆盖。
			if _, exists := r.byAlias[key]; !exists {
				r.byAlias[key] = canonical
			}
		}
	}
	return r
}

// BrokerSymbol 返回规范符号在经纪商侧使用的符号，首个别名优先。
func (r *Resolver) BrokerSymbol(canonical string) (string, error) {
	sym, ok := r.byCanonical[strings.ToUpper(strings.TrimSpace(canonical))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, canonical)
	}
	for _, alias := range sym.Aliases {
		if alias = strings.TrimSpace(alias); alias != "" {
			return alias, nil
		}
	}
	return sym.Canonical, nil
}

// Canonical 将经纪商侧符号反解为规范符号，无法识别时原样返回。
func (r *Resolver) Canonical(brokerSymbol string) string {
	if canonical, ok := r.byAlias[strings.ToUpper(strings.TrimSpace(brokerSymbol))]; ok {
		return canonical
	}
	return strings.ToUpper(strings.TrimSpace(brokerSymbol))
}

// Known 返回符号是否已配置。
func (r *Resolver) Known(canonical string) bool {
	_, ok := r.byCanonical[strings.ToUpper(strings.TrimSpace(canonical))]
	return ok
}

// SessionOpen 判断给定时刻该符号是否处于交易时段。
// 未配置时段视为全天可交易；blocking 表示时段外是否应阻断提交。
func (r *Resolver) SessionOpen(canonical string, at time.Time) (open bool, blocking bool) {
	sym, ok := r.byCanonical[strings.ToUpper(strings.TrimSpace(canonical))]
	if !ok {
		return true, false
	}

	session := sym.Session
	if session.TradeStartUTC == "" || session.TradeEndUTC == "" {
		return true, session.BlockOnClosed
	}

	start, err := parseClock(session.TradeStartUTC)
	if err != nil {
		return true, session.BlockOnClosed
	}
	end, err := parseClock(session.TradeEndUTC)
	if err != nil {
		return true, session.BlockOnClosed
	}

	minute := at.UTC().Hour()*60 + at.UTC().Minute()
	if start <= end {
		open = minute >= start && minute < end
	} else {
		// 跨越午夜的时段，例如 22:00-06:00。
		open = minute >= start || minute < end
	}
	return open, session.BlockOnClosed
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("broker: 时段格式非法 %q: %w", value, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
