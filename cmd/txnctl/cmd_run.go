package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	mbp "go.gazette.dev/core/mainboilerplate"
	"google.golang.org/grpc"

	"github.com/estuary/txncoord/go/txn"
	"github.com/estuary/txncoord/go/txnstore/etcdstore"
)

type cmdRun struct {
	Prefix      string                `long:"prefix" default:"/txncoord/demo/" description:"Etcd key prefix this run's documents and ATRs live under"`
	Expiration  time.Duration         `long:"expiration" default:"15s" description:"Transaction expiration_time"`
	Etcd        mbp.EtcdConfig        `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdRun) execute(ctx context.Context) error {
	// As in flowctl's apply command, we dial directly rather than using
	// Etcd.MustDial, which syncs cluster membership and assumes direct
	// access to advertised member addresses this demo may not have.
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{string(cmd.Etcd.Address)},
		DialTimeout: 10 * time.Second,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
	})
	if err != nil {
		return fmt.Errorf("dialing etcd: %w", err)
	}
	defer etcdClient.Close()

	var store = etcdstore.New(etcdClient, cmd.Prefix)
	var atrCollection = txn.DocID{Bucket: "demo", Scope: "_default", Collection: "_default"}
	var metrics = txn.NewMetrics(nil)

	var cfg = txn.DefaultConfig()
	cfg.ExpirationTime = cmd.Expiration

	var tc = txn.NewTransactionContext(cfg, store, atrCollection, metrics)

	var a = txn.DocID{Bucket: "demo", Scope: "_default", Collection: "_default", Key: "account-a"}
	var b = txn.DocID{Bucket: "demo", Scope: "_default", Collection: "_default", Key: "account-b"}

	result, err := tc.Run(ctx, func(ctx context.Context, attempt *txn.Attempt) error {
		docA, ok, err := attempt.GetOptional(ctx, a)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := attempt.Insert(ctx, a, json.RawMessage(`{"balance":100}`)); err != nil {
				return err
			}
		} else {
			if _, err := attempt.Replace(ctx, docA, json.RawMessage(`{"balance":90}`)); err != nil {
				return err
			}
		}

		docB, ok, err := attempt.GetOptional(ctx, b)
		if err != nil {
			return err
		}
		if !ok {
			_, err = attempt.Insert(ctx, b, json.RawMessage(`{"balance":10}`))
		} else {
			_, err = attempt.Replace(ctx, docB, json.RawMessage(`{"balance":110}`))
		}
		return err
	})

	if err != nil {
		fmt.Println(red("transaction failed:"), err)
		return err
	}
	fmt.Println(green("transaction committed:"), result.TransactionID)
	return nil
}

func (cmd cmdRun) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	log.WithFields(log.Fields{
		"config":    cmd,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("txnctl configuration")

	var ctx, cancel = context.WithTimeout(context.Background(), cmd.Expiration+5*time.Second)
	defer cancel()
	return cmd.execute(ctx)
}

var green = color.New(color.FgGreen).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()
