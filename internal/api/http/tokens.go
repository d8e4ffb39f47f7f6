package http

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"darkpool.com/pkg/xerr"
)

// Tokens 静态代币表，接口里 token 字段可以写符号也可以写地址
type Tokens struct {
	bySymbol map[string]common.Address
}

func NewTokens(m map[string]string) (*Tokens, error) {
	t := &Tokens{bySymbol: make(map[string]common.Address, len(m))}
	for sym, addr := range m {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("token %s: invalid address %q", sym, addr)
		}
		t.bySymbol[strings.ToUpper(strings.TrimSpace(sym))] = common.HexToAddress(addr)
	}
	return t, nil
}

func (t *Tokens) Resolve(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), nil
	}
	if a, ok := t.bySymbol[strings.ToUpper(s)]; ok {
		return a, nil
	}
	return common.Address{}, xerr.New(xerr.BadRequest, fmt.Sprintf("%s: unknown token %q", field, s))
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, xerr.New(xerr.BadRequest, fmt.Sprintf("%s: invalid address %q", field, s))
	}
	return common.HexToAddress(s), nil
}
