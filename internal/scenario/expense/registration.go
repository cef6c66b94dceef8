package expense

import (
	"context"
	"fmt"
	"time"

	"yqhp/load-engine/internal/scenario"
	"yqhp/load-engine/internal/vu"
)

// Registration builds the new-user journey: register, login, create wallets
// and categories, then transactions, debts and two exports.
func Registration(p scenario.Params) vu.Scenario {
	p = withDefaults(p)
	return func(ctx context.Context, ec *vu.ExecutionContext) error {
		j := newJourney(ctx, ec, p)
		return j.runRegistration()
	}
}

func (j *journey) runRegistration() error {
	ec := j.ec
	for _, key := range []string{keyWallets, keyExpenseCategories, keyIncomeCategories} {
		ec.State.SetIDs(key, nil)
	}

	ec.Logf("Starting test - Registering user %s", j.email)
	if err := j.register(); err != nil {
		return err
	}
	if err := j.think(1); err != nil {
		return err
	}

	if err := j.login(); err != nil {
		return err
	}
	if err := j.think(1); err != nil {
		return err
	}

	steps := []func() error{
		j.createWallets,
		j.createCategories,
		j.createTransactions,
		j.createDebts,
		j.exportTransactions,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	ec.Logf("==> TEST COMPLETED SUCCESSFULLY")
	return nil
}

// register 已存在的用户返回 409，同样视为成功
func (j *journey) register() error {
	res := j.post("/api/v1/auth/register", "Register", map[string]any{
		"email":    j.email,
		"password": j.p.Password,
		"name":     fmt.Sprintf("Load Test User %d", j.ec.VU),
	})
	ok := j.ec.Check(res, statusIs("registration status is 200 or 409 (already exists)", 200, 409))
	if !ok {
		j.ec.Logf("Registration failed: %d %s", res.Status, res.Body)
		j.rate(ErrorsMetric, true)
		return fmt.Errorf("%w: register returned %d", ErrAuthFailed, res.Status)
	}
	j.rate(AuthSuccessMetric, true)
	j.ec.Logf("Registration successful")
	return nil
}

func (j *journey) createWallets() error {
	j.ec.Logf("Creating %d wallets...", j.p.Wallets)
	for i := 0; i < j.p.Wallets; i++ {
		res := j.post("/api/v1/wallets", "CreateWallet", map[string]any{
			"name":           fmt.Sprintf("Wallet-%d-%d", j.ec.VU, i),
			"currency":       pick(currencies),
			"initialBalance": randomInt(100000, 10000000),
		})
		ok := j.ec.Check(res, statusIs("create wallet status is 201", 201))
		if ok {
			if id := idOf(res); id != "" {
				j.ec.State.AppendID(keyWallets, id)
			}
		}
		j.count(WalletOperationsMetric)
		j.rate(ErrorsMetric, !ok)

		if (i+1)%5 == 0 {
			j.ec.Logf("Created %d/%d wallets", i+1, j.p.Wallets)
		}
		if err := j.ctx.Err(); err != nil {
			return err
		}
	}
	j.ec.Logf("Completed creating %d wallets", len(j.ec.State.IDs(keyWallets)))
	return j.think(1)
}

func (j *journey) createCategories() error {
	j.ec.Logf("Creating categories...")
	groups := []struct {
		typ, prefix, key string
		names            []string
		count            int
	}{
		{"EXPENSE", "Expense", keyExpenseCategories, expenseCategoryNames, expenseCategoryCount},
		{"INCOME", "Income", keyIncomeCategories, incomeCategoryNames, incomeCategoryCount},
	}
	for _, g := range groups {
		for i := 0; i < g.count; i++ {
			res := j.post("/api/v1/categories", "CreateCategory", map[string]any{
				"name": fmt.Sprintf("%s-%d-%s-%d", g.prefix, j.ec.VU, pick(g.names), i),
				"type": g.typ,
			})
			ok := j.ec.Check(res, statusIs("create category status is 201", 201))
			if ok {
				if id := idOf(res); id != "" {
					j.ec.State.AppendID(g.key, id)
				}
			}
			j.count(CategoryOperationsMetric)
			j.rate(ErrorsMetric, !ok)
			if err := j.ctx.Err(); err != nil {
				return err
			}
		}
	}
	total := len(j.ec.State.IDs(keyExpenseCategories)) + len(j.ec.State.IDs(keyIncomeCategories))
	j.ec.Logf("Created %d categories", total)
	return j.think(1)
}

func (j *journey) createDebts() error {
	j.ec.Logf("Creating %d debts...", j.p.Debts)
	success, failed := 0, 0
	for i := 0; i < j.p.Debts; i++ {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		debtType := "RECEIVABLE"
		if i%2 == 0 {
			debtType = "PAYABLE"
		}
		res := j.post("/api/v1/debts", "CreateDebt", map[string]any{
			"type":             debtType,
			"counterpartyName": fmt.Sprintf("Person-%d-%d", j.ec.VU, i),
			"totalAmount":      randomInt(100000, 10000000),
			"dueDate":          isoTime(time.Now().AddDate(0, 0, randomInt(7, 365))),
			"note":             fmt.Sprintf("Debt-%d-%d", j.ec.VU, i),
		})
		ok := j.ec.Check(res, statusIs("create debt status is 201", 201))
		if ok {
			success++
		} else {
			failed++
		}
		j.count(DebtOperationsMetric)
		j.rate(ErrorsMetric, !ok)

		if (i+1)%200 == 0 {
			j.ec.Logf("Created %d/%d debts (Success: %d, Errors: %d)", i+1, j.p.Debts, success, failed)
		}
	}
	j.ec.Logf("Completed creating debts - Success: %d, Errors: %d", success, failed)
	return j.think(2)
}

// exportTransactions 导出为付费功能，403 不算错误
func (j *journey) exportTransactions() error {
	exports := []struct{ format, label, name string }{
		{"CSV", "CSV", "ExportCSV"},
		{"EXCEL", "Excel", "ExportExcel"},
	}
	for i, e := range exports {
		j.ec.Logf("Exporting transactions to %s...", e.label)
		res := j.post("/api/v1/export/transactions", e.name, map[string]any{
			"format": e.format,
			"type":   "TRANSACTIONS",
			"filter": nil,
		})
		ok := j.ec.Check(res, statusIs(fmt.Sprintf("export %s status is 200 or 403 (premium)", e.label), 200, 403))
		j.count(ExportOperationsMetric)
		switch {
		case res.Status == 403:
			j.ec.Logf("Export %s blocked - Premium feature", e.label)
		case ok:
			j.ec.Logf("Export %s successful", e.label)
		default:
			j.ec.Logf("Export %s failed: %d", e.label, res.Status)
			j.rate(ErrorsMetric, true)
		}
		if i < len(exports)-1 {
			if err := j.think(2); err != nil {
				return err
			}
		}
	}
	return nil
}
