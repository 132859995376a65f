package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RetryClass selects the deadline of the single retry an endpoint is allowed.
type RetryClass int

const (
	RetryNone RetryClass = iota
	RetryLookup
	RetryTransfer
)

func (r RetryClass) String() string {
	switch r {
	case RetryLookup:
		return "lookup"
	case RetryTransfer:
		return "transfer"
	default:
		return "none"
	}
}

// Endpoint describes one Ledger Service operation and the policy flags that
// govern it. Degradable is the only switch that lets a caller substitute a
// fallback response; it is set for read operations alone.
type Endpoint struct {
	Name        string
	Method      string
	Path        string
	Retry       RetryClass
	Degradable  bool
	MoneyMoving bool
}

var (
	Register = Endpoint{Name: "register", Method: http.MethodPost, Path: "/customers/register"}
	Login    = Endpoint{Name: "login", Method: http.MethodPost, Path: "/customers/login"}

	Customer           = Endpoint{Name: "customer", Method: http.MethodGet, Path: "/customers/%s", Retry: RetryLookup}
	CustomerByUsername = Endpoint{Name: "customer_by_username", Method: http.MethodGet, Path: "/customers/username/%s", Retry: RetryLookup}
	Balance            = Endpoint{Name: "balance", Method: http.MethodGet, Path: "/customers/%s/balance", Retry: RetryLookup, Degradable: true}

	Deposit  = Endpoint{Name: "deposit", Method: http.MethodPost, Path: "/transactions/deposit", MoneyMoving: true}
	Withdraw = Endpoint{Name: "withdraw", Method: http.MethodPost, Path: "/transactions/withdraw", MoneyMoving: true}
	Transfer = Endpoint{Name: "transfer", Method: http.MethodPost, Path: "/transactions/transfer", Retry: RetryTransfer, MoneyMoving: true}

	Transactions = Endpoint{Name: "transactions", Method: http.MethodGet, Path: "/transactions/customer/%s", Retry: RetryLookup, Degradable: true}
	Passbook     = Endpoint{Name: "passbook", Method: http.MethodGet, Path: "/transactions/customer/%s/passbook"}
)

// Endpoints lists the full Ledger Service surface.
var Endpoints = []Endpoint{
	Register, Login, Customer, CustomerByUsername, Balance,
	Deposit, Withdraw, Transfer, Transactions, Passbook,
}

// resolve substitutes escaped path parameters into the endpoint path.
func (e Endpoint) resolve(params ...string) (string, error) {
	if n := strings.Count(e.Path, "%s"); n != len(params) {
		return "", fmt.Errorf("endpoint %s expects %d path params, got %d", e.Name, n, len(params))
	}
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = url.PathEscape(p)
	}
	return fmt.Sprintf(e.Path, args...), nil
}
