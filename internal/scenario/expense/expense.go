// Package expense implements the expense-tracker journeys: a new user that
// registers and fills its account, and an existing user that logs in and
// reuses what it already owns.
package expense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"yqhp/load-engine/internal/check"
	"yqhp/load-engine/internal/httpclient"
	"yqhp/load-engine/internal/scenario"
	"yqhp/load-engine/internal/vu"
	"yqhp/load-engine/pkg/metrics"
)

// 场景名
const (
	RegistrationName  = "registration"
	ExistingUsersName = "existing-users"
)

// 自定义指标
const (
	ErrorsMetric                = "errors"
	AuthSuccessMetric           = "auth_success"
	WalletOperationsMetric      = "wallet_operations"
	CategoryOperationsMetric    = "category_operations"
	TransactionOperationsMetric = "transaction_operations"
	DebtOperationsMetric        = "debt_operations"
	ExportOperationsMetric      = "export_operations"
)

// VU 状态键
const (
	keyToken             = "token"
	keyWallets           = "wallets"
	keyExpenseCategories = "categories.expense"
	keyIncomeCategories  = "categories.income"
)

const (
	defaultPassword     = "LoadTest123!"
	defaultWallets      = 10
	defaultTransactions = 7000
	defaultDebts        = 1000
	defaultThinkTime    = 500 * time.Millisecond

	expenseCategoryCount = 5
	incomeCategoryCount  = 2
)

var (
	// ErrAuthFailed 注册或登录失败，旅程无法继续
	ErrAuthFailed = errors.New("authentication failed")

	currencies           = []string{"IDR", "USD", "EUR"}
	expenseCategoryNames = []string{"Groceries", "Transport", "Entertainment", "Bills", "Shopping"}
	incomeCategoryNames  = []string{"Salary", "Bonus", "Investment"}
)

func init() {
	scenario.Register(RegistrationName, Registration)
	scenario.Register(ExistingUsersName, ExistingUsers)
}

func withDefaults(p scenario.Params) scenario.Params {
	if p.Password == "" {
		p.Password = defaultPassword
	}
	if p.Wallets <= 0 {
		p.Wallets = defaultWallets
	}
	if p.Transactions < 0 {
		p.Transactions = 0
	}
	if p.Debts < 0 {
		p.Debts = 0
	}
	if p.ThinkTime < 0 {
		p.ThinkTime = 0
	}
	return p
}

// DefaultParams returns the sizes of the original load test.
func DefaultParams() scenario.Params {
	return scenario.Params{
		Wallets:      defaultWallets,
		Transactions: defaultTransactions,
		Debts:        defaultDebts,
		Password:     defaultPassword,
		ThinkTime:    defaultThinkTime,
	}
}

// journey 一次迭代的上下文
type journey struct {
	ctx context.Context
	ec  *vu.ExecutionContext
	p   scenario.Params

	email   string
	headers map[string]string
}

func newJourney(ctx context.Context, ec *vu.ExecutionContext, p scenario.Params) *journey {
	prefix := ec.Getenv("USER_PREFIX", "loadtest-user")
	return &journey{
		ctx:     ctx,
		ec:      ec,
		p:       p,
		email:   fmt.Sprintf("%s-%d@example.com", prefix, ec.VU),
		headers: map[string]string{"Content-Type": "application/json"},
	}
}

func (j *journey) post(path, name string, payload any) *httpclient.Response {
	body, err := json.Marshal(payload)
	if err != nil {
		// payload 都是本包构造的 map，不会失败
		panic(fmt.Sprintf("marshal %s payload: %v", name, err))
	}
	return j.ec.HTTP.Post(j.ctx, path, body, &httpclient.Params{
		Headers: j.headers,
		Tags:    map[string]string{"name": name},
	})
}

func (j *journey) get(path, name string) *httpclient.Response {
	return j.ec.HTTP.Get(j.ctx, path, &httpclient.Params{
		Headers: j.headers,
		Tags:    map[string]string{"name": name},
	})
}

func (j *journey) authorize(token string) {
	j.ec.State.SetString(keyToken, token)
	j.headers = map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + token,
	}
}

func (j *journey) count(metric string) {
	_ = j.ec.Metrics.Record(metric, metrics.Counter, 1, nil)
}

func (j *journey) rate(metric string, ok bool) {
	_ = j.ec.Metrics.RecordBool(metric, ok, nil)
}

func (j *journey) think(factor int) error {
	return j.ec.Sleep(j.ctx, time.Duration(factor)*j.p.ThinkTime)
}

// login 登录并保存令牌；失败时记录 errors 并返回 ErrAuthFailed
func (j *journey) login() error {
	res := j.post("/api/v1/auth/login", "Login", map[string]any{
		"email":    j.email,
		"password": j.p.Password,
	})
	ok := j.ec.Check(res,
		check.That("login status is 200", func(r *httpclient.Response) bool { return r.Status == 200 }),
		check.Predicate{Name: "login returns token", Fn: func(r *httpclient.Response) (bool, error) {
			token, err := r.String("token")
			return token != "", err
		}},
	)
	if !ok {
		j.ec.Logf("Login failed for %s: %d", j.email, res.Status)
		j.rate(ErrorsMetric, true)
		j.rate(AuthSuccessMetric, false)
		return fmt.Errorf("%w: login returned %d", ErrAuthFailed, res.Status)
	}
	token, _ := res.String("token")
	j.authorize(token)
	j.rate(AuthSuccessMetric, true)
	j.ec.Logf("Login successful")
	return nil
}

func (j *journey) createTransactions() error {
	wallets := j.ec.State.IDs(keyWallets)
	expense := j.ec.State.IDs(keyExpenseCategories)
	income := j.ec.State.IDs(keyIncomeCategories)
	if len(wallets) == 0 || len(expense)+len(income) == 0 {
		j.ec.Logf("Skipping transactions - no wallets or categories available")
		return nil
	}

	j.ec.Logf("Creating %d transactions...", j.p.Transactions)
	success, failed := 0, 0
	for i := 0; i < j.p.Transactions; i++ {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		txType, pool := "EXPENSE", expense
		if i%3 == 0 {
			txType, pool = "INCOME", income
		}
		// 缺少某一类分类时改用另一类，类型随之切换
		if len(pool) == 0 {
			if txType == "EXPENSE" {
				txType, pool = "INCOME", income
			} else {
				txType, pool = "EXPENSE", expense
			}
		}

		res := j.post("/api/v1/transactions", "CreateTransaction", map[string]any{
			"walletId":   pick(wallets),
			"categoryId": pick(pool),
			"type":       txType,
			"amount":     randomInt(10000, 1000000),
			"note":       fmt.Sprintf("Transaction-%d-%d", j.ec.VU, i),
			"date":       isoTime(time.Now().AddDate(0, 0, -randomInt(0, 365))),
		})
		ok := j.ec.Check(res, statusIs("create transaction status is 201", 201))
		if ok {
			success++
		} else {
			failed++
		}
		j.count(TransactionOperationsMetric)
		j.rate(ErrorsMetric, !ok)

		if (i+1)%1000 == 0 {
			j.ec.Logf("Created %d/%d transactions (Success: %d, Errors: %d)", i+1, j.p.Transactions, success, failed)
		}
	}
	j.ec.Logf("Completed creating transactions - Success: %d, Errors: %d", success, failed)
	return j.think(2)
}

func statusIs(name string, codes ...int) check.Predicate {
	return check.That(name, func(r *httpclient.Response) bool { return r.StatusIn(codes...) })
}

// randomInt returns a uniform integer in [min, max].
func randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.Intn(max-min+1)
}

func pick[T any](items []T) T {
	return items[rand.Intn(len(items))]
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func idOf(res *httpclient.Response) string {
	if id, err := res.String("id"); err == nil {
		return id
	}
	if n, err := res.Int("id"); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}
