// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/botmanager/internal/lifecycle"
)

var _ = Describe("Plugin lifecycle over HTTP", func() {
	var s *stack

	BeforeEach(func() {
		s = newStack(GinkgoT().TempDir(), nil)
		DeferCleanup(s.Close)
	})

	It("uploads, routes, edits and deletes a plugin", func() {
		status, _ := s.post("/upload", map[string]string{"button_name": "My Bot!"}, luaZip("bot", "v1"))
		Expect(status).To(Equal(http.StatusSeeOther))

		status, body := s.get("/my_bot_/hello")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(Equal("v1 /hello"))

		status, body = s.get("/api/plugins")
		Expect(status).To(Equal(http.StatusOK))
		var listing []lifecycle.Summary
		Expect(json.Unmarshal([]byte(body), &listing)).To(Succeed())
		Expect(listing).To(HaveLen(1))
		Expect(listing[0].ID).To(Equal("my_bot_"))
		Expect(listing[0].DisplayName).To(Equal("My Bot!"))
		Expect(listing[0].Routed).To(BeTrue())

		status, body = s.post("/edit/my_bot_", map[string]string{"button_name": "Renamed"}, luaZip("bot", "v2"))
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(MatchJSON(`{"status":"success","message":"App updated successfully"}`))

		_, body = s.get("/my_bot_/")
		Expect(body).To(Equal("v2 /"))

		status, body = s.get("/delete/my_bot_")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(MatchJSON(`{"status":"success","message":"Deleted 'my_bot_'"}`))

		status, _ = s.get("/my_bot_/")
		Expect(status).To(Equal(http.StatusNotFound))
		Expect(filepath.Join(s.dataDir, "plugins", "my_bot_")).NotTo(BeADirectory())

		backups, err := os.ReadDir(filepath.Join(s.dataDir, "backups"))
		Expect(err).NotTo(HaveOccurred())
		Expect(backups).To(HaveLen(2), "one snapshot for the edit and one for the delete")

		records, err := s.store.Load(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(BeEmpty())
	})

	It("keeps plugins that need a newer botmanager out of the routing table", func() {
		status, _ := s.post("/upload", map[string]string{"button_name": "Pinned"}, manifestZip(">= 2.0.0"))
		Expect(status).To(Equal(http.StatusSeeOther))

		status, _ = s.get("/pinned/")
		Expect(status).To(Equal(http.StatusNotFound))

		status, body := s.post("/edit/pinned", nil, manifestZip(">= 0.1.0"))
		Expect(status).To(Equal(http.StatusOK), body)
		status, body = s.get("/pinned/")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(Equal("ok"))
	})

	It("rejects uploads without an entry point and leaves nothing behind", func() {
		status, body := s.post("/upload", map[string]string{"button_name": "empty"}, emptyZip())
		Expect(status).To(Equal(http.StatusBadRequest))
		Expect(body).To(ContainSubstring("Error:"))

		Expect(filepath.Join(s.dataDir, "plugins", "empty")).NotTo(BeADirectory())
		records, err := s.store.Load(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(BeEmpty())
	})

	It("reports unknown plugins as not found", func() {
		status, body := s.get("/delete/ghost")
		Expect(status).To(Equal(http.StatusNotFound))
		Expect(body).To(ContainSubstring(`"status":"error"`))

		status, _ = s.post("/edit/ghost", map[string]string{"button_name": "x"}, nil)
		Expect(status).To(Equal(http.StatusNotFound))
	})

	It("rejects names that would shadow manager routes", func() {
		status, _ := s.post("/upload", map[string]string{"button_name": "upload"}, luaZip("x", "nope"))
		Expect(status).To(Equal(http.StatusBadRequest))
	})

	It("serializes concurrent uploads and routes all of them", func() {
		const n = 6
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				status, _ := s.post("/upload", map[string]string{"button_name": fmt.Sprintf("bot%d", i)}, luaZip("b", fmt.Sprint(i)))
				Expect(status).To(Equal(http.StatusSeeOther))
			}()
		}
		wg.Wait()

		Expect(s.router.Table().Len()).To(Equal(n))
		for i := range n {
			_, body := s.get(fmt.Sprintf("/bot%d/", i))
			Expect(body).To(Equal(fmt.Sprintf("%d /", i)))
		}
	})

	It("restores routing from the registry after a restart", func() {
		status, _ := s.post("/upload", map[string]string{"button_name": "persist"}, luaZip("p", "kept"))
		Expect(status).To(Equal(http.StatusSeeOther))

		restarted := newStack(s.dataDir, nil)
		DeferCleanup(restarted.Close)

		_, body := restarted.get("/persist/")
		Expect(body).To(Equal("kept /"))
	})
})
