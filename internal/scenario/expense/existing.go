package expense

import (
	"context"
	"fmt"
	"time"

	"yqhp/load-engine/internal/httpclient"
	"yqhp/load-engine/internal/scenario"
	"yqhp/load-engine/internal/vu"
)

// ExistingUsers builds the returning-user journey. Wallets and categories
// are listed first and only created when the account has none.
func ExistingUsers(p scenario.Params) vu.Scenario {
	p = withDefaults(p)
	return func(ctx context.Context, ec *vu.ExecutionContext) error {
		j := newJourney(ctx, ec, p)
		return j.runExisting()
	}
}

func (j *journey) runExisting() error {
	ec := j.ec
	for _, key := range []string{keyWallets, keyExpenseCategories, keyIncomeCategories} {
		ec.State.SetIDs(key, nil)
	}

	ec.Logf("Logging in with existing user %s", j.email)
	if err := j.login(); err != nil {
		return err
	}
	if err := j.think(1); err != nil {
		return err
	}

	steps := []func() error{
		j.loadWallets,
		j.loadCategories,
		j.createTransactions,
		j.createOwnedDebts,
		j.downloadExports,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	ec.Logf("Test completed successfully!")
	return nil
}

func (j *journey) loadWallets() error {
	res := j.get("/api/v1/wallets", "GetWallets")
	if res.Status == 200 {
		ids, _ := res.Strings("content[*].id")
		if len(ids) > 0 {
			j.ec.State.SetIDs(keyWallets, ids)
			j.ec.Logf("Found %d existing wallets", len(ids))
		} else {
			j.ec.Logf("No existing wallets found, creating %d new wallets...", j.p.Wallets)
			for i := 0; i < j.p.Wallets; i++ {
				res := j.post("/api/v1/wallets", "CreateWallet", map[string]any{
					"name":           fmt.Sprintf("Wallet-%d-%d", j.ec.VU, i+1),
					"currency":       pick(currencies),
					"initialBalance": randomInt(100000, 10000000),
					"description":    fmt.Sprintf("Load test wallet %d for VU %d", i+1, j.ec.VU),
				})
				if res.Status == 201 {
					if id := idOf(res); id != "" {
						j.ec.State.AppendID(keyWallets, id)
					}
					j.count(WalletOperationsMetric)
				}
				if err := j.ctx.Err(); err != nil {
					return err
				}
			}
			j.ec.Logf("Created %d wallets", len(j.ec.State.IDs(keyWallets)))
		}
	}
	return j.think(1)
}

func (j *journey) loadCategories() error {
	res := j.get("/api/v1/categories", "GetCategories")
	if res.Status == 200 {
		expense, income := splitCategories(res)
		if len(expense)+len(income) > 0 {
			j.ec.State.SetIDs(keyExpenseCategories, expense)
			j.ec.State.SetIDs(keyIncomeCategories, income)
			j.ec.Logf("Found %d existing categories (%d expense, %d income)",
				len(expense)+len(income), len(expense), len(income))
		} else {
			j.ec.Logf("No existing categories found, creating categories...")
			if err := j.createNamedCategories("EXPENSE", keyExpenseCategories, expenseCategoryNames); err != nil {
				return err
			}
			if err := j.createNamedCategories("INCOME", keyIncomeCategories, incomeCategoryNames); err != nil {
				return err
			}
		}
	}
	return j.think(1)
}

// splitCategories 按 type 拆分列表，非 EXPENSE 的都算收入
func splitCategories(res *httpclient.Response) (expense, income []string) {
	items, err := res.JSON("content[*]")
	if err != nil {
		return nil, nil
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		if m["type"] == "EXPENSE" {
			expense = append(expense, id)
		} else {
			income = append(income, id)
		}
	}
	return expense, income
}

func (j *journey) createNamedCategories(typ, key string, names []string) error {
	for _, name := range names {
		res := j.post("/api/v1/categories", "CreateCategory", map[string]any{
			"name":        name,
			"type":        typ,
			"description": fmt.Sprintf("%s category for VU %d", name, j.ec.VU),
		})
		if res.Status == 201 {
			if id := idOf(res); id != "" {
				j.ec.State.AppendID(key, id)
			}
			j.count(CategoryOperationsMetric)
		}
		if err := j.ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// createOwnedDebts 只在 201 时计数，不做检查
func (j *journey) createOwnedDebts() error {
	j.ec.Logf("Creating %d debts...", j.p.Debts)
	success := 0
	for i := 0; i < j.p.Debts; i++ {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		debtType := "BORROWED"
		if i%2 == 0 {
			debtType = "LENT"
		}
		res := j.post("/api/v1/debts", "CreateDebt", map[string]any{
			"personName":  fmt.Sprintf("Person-%d-%d", j.ec.VU, i),
			"amount":      randomInt(100000, 10000000),
			"type":        debtType,
			"description": fmt.Sprintf("Debt %d for VU %d", i+1, j.ec.VU),
			"dueDate":     time.Now().AddDate(0, 0, randomInt(1, 365)).UTC().Format(time.DateOnly),
			"status":      "UNPAID",
		})
		if res.Status == 201 {
			success++
			j.count(DebtOperationsMetric)
		}
		if (i+1)%200 == 0 {
			j.ec.Logf("Created %d/%d debts (Success: %d)", i+1, j.p.Debts, success)
		}
	}
	j.ec.Logf("Completed creating debts - Success: %d", success)
	return j.think(2)
}

func (j *journey) downloadExports() error {
	exports := []struct{ path, label, name string }{
		{"/api/v1/transactions/export/csv", "CSV", "ExportCSV"},
		{"/api/v1/transactions/export/excel", "Excel", "ExportExcel"},
	}
	for i, e := range exports {
		res := j.get(e.path, e.name)
		if res.Status == 200 {
			j.count(ExportOperationsMetric)
			j.ec.Logf("%s export successful", e.label)
		}
		if i < len(exports)-1 {
			if err := j.think(2); err != nil {
				return err
			}
		}
	}
	return nil
}
