package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/codec"
	"github.com/CamberLoid/chimata-ledger/internal/fhe"
	"github.com/CamberLoid/chimata-ledger/internal/key"
	"github.com/CamberLoid/chimata-ledger/internal/ledger"
	"github.com/CamberLoid/chimata-ledger/internal/transaction"
	"github.com/google/uuid"
	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// account 参数既可以是 UUID 也可以是用户名
func resolve(c *cli.Context, rt *runtime, arg string) (uuid.UUID, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return id, nil
	}
	return rt.engine.ResolveAccount(c.Context, arg)
}

func parseAmount(arg string) (float64, error) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse amount %q", arg)
	}
	return v, nil
}

func needArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return errors.Errorf("%s: expected %d arguments, got %d (usage: %s %s)",
			c.Command.Name, n, c.NArg(), c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}

func printReceipt(c *cli.Context, tx *transaction.Transaction) error {
	data, err := tx.MarshalToJSON()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "generate the CKKS key file",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing key file"},
		},
		Action: func(c *cli.Context) error {
			rt, err := loadBase(c)
			if err != nil {
				return err
			}
			path := rt.cfg.Key.Path
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return errors.Errorf("key file %s already exists, use --force to overwrite", path)
			}

			kc := key.GenerateCKKSKeyChain(rt.params)
			if err = kc.Save(path, []byte(rt.cfg.Key.Passphrase)); err != nil {
				return err
			}
			ctx, err := fhe.New(rt.params, kc)
			if err != nil {
				return err
			}
			rt.log.Info().Str("path", path).Msg("key file written")
			fmt.Fprintf(c.App.Writer, "%s %s\n", kc.Identifier, ctx.Fingerprint())
			return nil
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:      "register",
		Usage:     "open an account with a zero balance",
		ArgsUsage: "<username>",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := needArgs(c, 1); err != nil {
				return err
			}
			id, err := rt.engine.Register(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, id)
			return nil
		}),
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "show the decrypted balance, rounded to cents",
		ArgsUsage: "<account>",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := needArgs(c, 1); err != nil {
				return err
			}
			id, err := resolve(c, rt, c.Args().First())
			if err != nil {
				return err
			}
			v, err := rt.engine.GetDisplayBalance(c.Context, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%.2f\n", v)
			return nil
		}),
	}
}

func depositCommand() *cli.Command {
	return &cli.Command{
		Name:      "deposit",
		Usage:     "credit an account",
		ArgsUsage: "<account> <amount>",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := needArgs(c, 2); err != nil {
				return err
			}
			id, err := resolve(c, rt, c.Args().Get(0))
			if err != nil {
				return err
			}
			amount, err := parseAmount(c.Args().Get(1))
			if err != nil {
				return err
			}
			tx, err := rt.engine.Deposit(c.Context, id, amount)
			if err != nil {
				return err
			}
			return printReceipt(c, tx)
		}),
	}
}

func withdrawCommand() *cli.Command {
	return &cli.Command{
		Name:      "withdraw",
		Usage:     "debit an account if the balance covers the amount",
		ArgsUsage: "<account> <amount>",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := needArgs(c, 2); err != nil {
				return err
			}
			id, err := resolve(c, rt, c.Args().Get(0))
			if err != nil {
				return err
			}
			amount, err := parseAmount(c.Args().Get(1))
			if err != nil {
				return err
			}
			tx, err := rt.engine.Withdraw(c.Context, id, amount)
			if err != nil {
				return err
			}
			return printReceipt(c, tx)
		}),
	}
}

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:      "transfer",
		Usage:     "move funds between two accounts",
		ArgsUsage: "<from> <to> <amount>",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := needArgs(c, 3); err != nil {
				return err
			}
			from, err := resolve(c, rt, c.Args().Get(0))
			if err != nil {
				return err
			}
			amount, err := parseAmount(c.Args().Get(2))
			if err != nil {
				return err
			}

			var tx *transaction.Transaction
			if to, perr := uuid.Parse(c.Args().Get(1)); perr == nil {
				tx, err = rt.engine.Transfer(c.Context, ledger.TransferIntent{SenderID: from, RecipientID: to, Amount: amount})
			} else {
				tx, err = rt.engine.TransferToUser(c.Context, from, c.Args().Get(1), amount)
			}
			if err != nil {
				return err
			}
			return printReceipt(c, tx)
		}),
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "list every account balance and the homomorphic total",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			recs, err := rt.store.List(c.Context)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				v, err := rt.engine.GetDisplayBalance(c.Context, rec.User.UserIdentifier)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s\t%s\t%.2f\n", rec.User.UserIdentifier, rec.User.UserName, v)
			}
			total, err := rt.engine.TotalBalance(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "total\t%d accounts\t%.2f\n", len(recs), total)
			return nil
		}),
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "print the receipts of an account as JSON lines",
		ArgsUsage: "<account>",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := needArgs(c, 1); err != nil {
				return err
			}
			id, err := resolve(c, rt, c.Args().First())
			if err != nil {
				return err
			}
			txs, err := rt.engine.Receipts(c.Context, id)
			if err != nil {
				return err
			}
			for _, tx := range txs {
				if err = printReceipt(c, tx); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

// recordView 是 inspect 输出的账户摘要，不包含余额明文
type recordView struct {
	Account     uuid.UUID
	UserName    string
	Version     uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	BlobLength  int
	Fingerprint string
	Level       int
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "dump the stored record of an account without decrypting it",
		ArgsUsage: "<account>",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := needArgs(c, 1); err != nil {
				return err
			}
			id, err := resolve(c, rt, c.Args().First())
			if err != nil {
				return err
			}
			rec, err := rt.store.Get(c.Context, id)
			if err != nil {
				return err
			}

			view := recordView{
				Account:    rec.User.UserIdentifier,
				UserName:   rec.User.UserName,
				Version:    rec.Version,
				CreatedAt:  rec.CreatedAt,
				UpdatedAt:  rec.UpdatedAt,
				BlobLength: len(rec.Balance),
				Level:      -1,
			}
			if !codec.EncryptedBalance(rec.Balance).Absent() {
				ct, err := rt.fhe.Unmarshal(rec.Balance)
				if err != nil {
					return err
				}
				view.Fingerprint = ct.Fingerprint().String()
				view.Level = ct.Level()
			}
			pretty.Fprintf(c.App.Writer, "%# v\n", view)
			return nil
		}),
	}
}
