// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package registry_test

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/botmanager/internal/registry"
	"github.com/holomush/botmanager/pkg/errutil"
)

var _ = Describe("PostgresStore", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		connStr   string
		pool      *pgxpool.Pool
		store     *registry.PostgresStore
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("botmanager"),
			postgres.WithUsername("botmanager"),
			postgres.WithPassword("botmanager"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		store, pool, err = registry.OpenPostgres(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if pool != nil {
			pool.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	It("reports a missing schema with a migration hint", func() {
		_, err := store.Load(ctx)
		Expect(err).To(HaveOccurred())
		Expect(errutil.Code(err)).To(Equal(registry.CodeSchemaAbsent))
	})

	It("migrates up", func() {
		m, err := registry.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		defer m.Close()

		Expect(m.Up()).To(Succeed())
		version, dirty, err := m.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeNumerically(">=", 1))
		Expect(dirty).To(BeFalse())

		pending, err := m.Pending()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("starts empty", func() {
		records, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(BeEmpty())
	})

	It("replaces the registry wholesale", func() {
		Expect(store.Save(ctx, registry.Records{
			"alpha":   {DisplayName: "Alpha", IconPath: registry.DefaultIcon},
			"my_bot_": {DisplayName: "My Bot!", IconPath: registry.DefaultIcon, ProcessID: 1234},
		})).To(Succeed())

		Expect(store.Save(ctx, registry.Records{
			"my_bot_": {DisplayName: "My Bot!", IconPath: "/static/images/my_bot_.png"},
		})).To(Succeed())

		records, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(Equal(registry.Records{
			"my_bot_": {DisplayName: "My Bot!", IconPath: "/static/images/my_bot_.png"},
		}))
	})

	It("migrates down", func() {
		m, err := registry.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		defer m.Close()

		Expect(m.Down()).To(Succeed())
		version, _, err := m.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
	})
})
