package broker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is an outbound message. The client adds req_id.
type Request map[string]any

// msg types the client sends, in lookup order for logging
var requestKinds = []string{
	"authorize", "proposal", "buy", "sell", "balance",
	"proposal_open_contract", "ticks_history", "ping",
}

func (r Request) kind() string {
	for _, k := range requestKinds {
		if _, ok := r[k]; ok {
			return k
		}
	}
	for k := range r {
		return k
	}
	return "unknown"
}

// Response is a correlated reply.
type Response struct {
	ReqID   int64
	MsgType string
	Raw     json.RawMessage
}

// Decode unmarshals the full reply into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrMalformed, r.MsgType, err)
	}
	return nil
}

type envelope struct {
	ReqID   *int64    `json:"req_id"`
	MsgType string    `json:"msg_type"`
	Error   *APIError `json:"error"`
}

// flag decodes both JSON booleans and 0/1 integers.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(b), `"`) {
	case "true", "1":
		*f = true
	case "false", "0", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", b)
	}
	return nil
}

type accountEntry struct {
	LoginID   string `json:"loginid"`
	IsVirtual flag   `json:"is_virtual"`
	Currency  string `json:"currency"`
}

type authorizeResponse struct {
	Authorize struct {
		LoginID     string         `json:"loginid"`
		Balance     float64        `json:"balance"`
		Currency    string         `json:"currency"`
		IsVirtual   flag           `json:"is_virtual"`
		AccountList []accountEntry `json:"account_list"`
	} `json:"authorize"`
}

func (a authorizeResponse) hasAccount(loginID string) bool {
	if strings.EqualFold(a.Authorize.LoginID, loginID) {
		return true
	}
	for _, acc := range a.Authorize.AccountList {
		if strings.EqualFold(acc.LoginID, loginID) {
			return true
		}
	}
	return false
}

type proposalResponse struct {
	Proposal struct {
		ID        string  `json:"id"`
		AskPrice  float64 `json:"ask_price"`
		Payout    float64 `json:"payout"`
		MaxPayout float64 `json:"max_payout"`
		Spot      float64 `json:"spot"`
	} `json:"proposal"`
}

type buyResponse struct {
	Buy struct {
		ContractID    json.Number `json:"contract_id"`
		BuyPrice      float64     `json:"buy_price"`
		Payout        float64     `json:"payout"`
		BalanceAfter  float64     `json:"balance_after"`
		PurchaseTime  int64       `json:"purchase_time"`
		TransactionID json.Number `json:"transaction_id"`
	} `json:"buy"`
}

type balanceResponse struct {
	Balance struct {
		Balance  float64 `json:"balance"`
		Currency string  `json:"currency"`
		LoginID  string  `json:"loginid"`
	} `json:"balance"`
}

type sellResponse struct {
	Sell struct {
		ContractID   json.Number `json:"contract_id"`
		Profit       float64     `json:"profit"`
		Price        float64     `json:"price"`
		SoldFor      float64     `json:"sold_for"`
		BalanceAfter float64     `json:"balance_after"`
	} `json:"sell"`
}

type openContractResponse struct {
	Contract struct {
		ContractID json.Number `json:"contract_id"`
		IsSold     flag        `json:"is_sold"`
		Status     string      `json:"status"`
		Profit     float64     `json:"profit"`
		BuyPrice   float64     `json:"buy_price"`
		SellPrice  float64     `json:"sell_price"`
	} `json:"proposal_open_contract"`
}

type historyResponse struct {
	History struct {
		Prices []float64 `json:"prices"`
		Times  []int64   `json:"times"`
	} `json:"history"`
}

// contractRef sends numeric ids as JSON numbers and anything else verbatim.
func contractRef(id string) any {
	if id == "" {
		return id
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return id
		}
	}
	return json.Number(id)
}
