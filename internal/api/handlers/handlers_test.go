package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/institution"
	"github.com/dvloznov/kakeibo/internal/jobs"
	"github.com/dvloznov/kakeibo/internal/jobs/inmemory"
	"github.com/dvloznov/kakeibo/internal/ledger"
	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/master"
	"github.com/dvloznov/kakeibo/internal/pipeline"
	"github.com/dvloznov/kakeibo/internal/store"
)

const mbankCSV = "日付,内容,出金金額(円),入金金額(円),残高(円)\n" +
	"2024/03/01,スーパーA,1000,,9000\n" +
	"2024/03/02,給与,,500,9500\n"

type server struct {
	handler  http.Handler
	jobStore *inmemory.Store
}

func newServer(t *testing.T, allowRemote bool) server {
	t.Helper()
	var schemas []institution.Schema
	for _, s := range institution.DefaultSchemas() {
		s.Encoding = institution.UTF8
		schemas = append(schemas, s)
	}
	reg, err := institution.NewRegistry(schemas...)
	require.NoError(t, err)

	mem := store.NewMemory(ledger.DefaultTable, master.DefaultTable)
	svc := pipeline.NewService(pipeline.Deps{
		Registry: reg,
		Ledger:   ledger.New(mem),
		Master:   master.New(mem),
		Today:    func() civil.Date { return civil.Date{Year: 2024, Month: 3, Day: 10} },
	})

	log := logger.NewWithWriter(io.Discard)
	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(8, 1, jobStore)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, queue.Start(ctx, svc.HandleImportJob))
	t.Cleanup(func() {
		cancel()
		queue.Close()
	})

	mux := NewRouter(
		NewImportsHandler(svc, queue, allowRemote, 0, log),
		NewJobsHandler(jobStore, log),
		NewLedgerHandler(svc, 0, log),
	)
	return server{handler: mux, jobStore: jobStore}
}

func (s server) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, path string, fields map[string]string, fileField string, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile(fileField, name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestListInstitutions(t *testing.T) {
	s := newServer(t, true)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/institutions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 4, body.Count)
}

func TestCreateImport_RunsJob(t *testing.T) {
	s := newServer(t, true)
	rec := s.do(uploadRequest(t, "/api/imports", map[string]string{"institution": "M銀行"}, "files", map[string]string{"m.csv": mbankCSV}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body struct {
		Jobs []jobs.ImportJob `json:"jobs"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Jobs, 1)
	id := body.Jobs[0].JobID

	require.Eventually(t, func() bool {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
		var job jobs.ImportJob
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &job) != nil {
			return false
		}
		return job.Status == jobs.JobStatusCompleted && job.Accepted == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateImport_RespondsWithQueuedState(t *testing.T) {
	s := newServer(t, true)
	rec := s.do(uploadRequest(t, "/api/imports", map[string]string{"institution": "M銀行"}, "files", map[string]string{
		"a.csv": mbankCSV, "b.csv": mbankCSV, "c.csv": mbankCSV,
	}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body struct {
		Jobs  []jobs.ImportJob `json:"jobs"`
		Count int              `json:"count"`
	}
	decode(t, rec, &body)
	require.Equal(t, 3, body.Count)
	for _, job := range body.Jobs {
		assert.NotEmpty(t, job.JobID)
		assert.Equal(t, jobs.JobStatusPending, job.Status)
		assert.Nil(t, job.StartedAt)
		waitForJob(t, s, job.JobID, jobs.JobStatusCompleted)
	}
}

func waitForJob(t *testing.T, s server, id string, want jobs.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := s.jobStore.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateImport_Guards(t *testing.T) {
	locked := newServer(t, false)
	rec := locked.do(uploadRequest(t, "/api/imports", map[string]string{"institution": "M銀行"}, "files", map[string]string{"m.csv": mbankCSV}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s := newServer(t, true)
	rec = s.do(uploadRequest(t, "/api/imports", map[string]string{"institution": "Z銀行"}, "files", map[string]string{"m.csv": mbankCSV}))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(uploadRequest(t, "/api/imports", map[string]string{"institution": "M銀行"}, "files", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/imports", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPreviewAndCommit(t *testing.T) {
	s := newServer(t, true)
	rec := s.do(uploadRequest(t, "/api/imports/preview", map[string]string{"institution": "M銀行"}, "files", map[string]string{"m.csv": mbankCSV}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var batch pipeline.Batch
	decode(t, rec, &batch)
	require.Len(t, batch.Records, 2)
	batch.Records[0].Category2 = "食費"

	payload, err := json.Marshal(batch)
	require.NoError(t, err)
	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/imports/commit", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res pipeline.CommitResult
	decode(t, rec, &res)
	assert.Equal(t, 2, res.Accepted)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "スーパーA", res.Candidates[0].Keyword)

	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/imports/commit", bytes.NewReader(payload)))
	decode(t, rec, &res)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 2, res.Skipped)
}

func TestCommit_RejectsUnstorableRecords(t *testing.T) {
	tests := []struct {
		name string
		edit func(tx *domain.Transaction)
	}{
		{"missing category_1", func(tx *domain.Transaction) { tx.Category1 = domain.Unspecified }},
		{"negative amount", func(tx *domain.Transaction) { tx.Amount = -500 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, true)
			rec := s.do(uploadRequest(t, "/api/imports/preview", map[string]string{"institution": "M銀行"}, "files", map[string]string{"m.csv": mbankCSV}))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var batch pipeline.Batch
			decode(t, rec, &batch)
			require.Len(t, batch.Records, 2)
			tt.edit(&batch.Records[1])

			payload, err := json.Marshal(batch)
			require.NoError(t, err)
			rec = s.do(httptest.NewRequest(http.MethodPost, "/api/imports/commit", bytes.NewReader(payload)))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			rec = s.do(httptest.NewRequest(http.MethodGet, "/api/months", nil))
			var months struct {
				Months []string `json:"months"`
			}
			decode(t, rec, &months)
			assert.Empty(t, months.Months)
		})
	}
}

func TestSaveReceipt_RejectsUnstorableDrafts(t *testing.T) {
	s := newServer(t, true)
	for _, drafts := range []string{
		`[{"store":"パン屋","amount":300}]`,
		`[{"date":"2024-03-01","store":"パン屋","amount":300},{"date":"2024-03-01","store":"返品","amount":-300}]`,
	} {
		rec := s.do(uploadRequest(t, "/api/receipts", map[string]string{"drafts": drafts}, "image", map[string]string{"r.jpg": "\xff\xd8"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/transactions?month=2024-03", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "パン屋")
}

func TestPreview_SchemaMismatch(t *testing.T) {
	s := newServer(t, true)
	rec := s.do(uploadRequest(t, "/api/imports/preview", map[string]string{"institution": "M銀行"}, "files", map[string]string{"bad.csv": "日付,内容\n"}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "出金金額(円)")
}

func TestTransactionsAndReport(t *testing.T) {
	s := newServer(t, true)

	for _, body := range []string{
		`{"date":"2024-03-01","store":"パン屋","category_2":"食費","amount":400,"member":"まさ"}`,
		`{"date":"2024-03-05","store":"薬局","category_2":"日用品","amount":600}`,
		`{"date":"2024-03-25","store":"翌月","category_2":"食費","amount":999}`,
	} {
		rec := s.do(httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(body)))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(`{"date":"2024-03-01","amount":0}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/transactions?month=2024-03", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 2, list.Count)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/reports?month=2024-03&by_member=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		TotalSpend int64 `json:"total_spend"`
		ByCategory []struct {
			Key string `json:"key"`
		} `json:"by_category"`
	}
	decode(t, rec, &summary)
	assert.Equal(t, int64(1000), summary.TotalSpend)
	require.Len(t, summary.ByCategory, 2)
	assert.Equal(t, "日用品(共通)", summary.ByCategory[0].Key)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/months", nil))
	var months struct {
		Months []string `json:"months"`
	}
	decode(t, rec, &months)
	assert.Equal(t, []string{"2024-04", "2024-03"}, months.Months)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/reports?month=March", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMasterEndpoints(t *testing.T) {
	s := newServer(t, true)

	body := `{"entries":[{"keyword":"スーパー","category":"食費"},{"keyword":"スーパー","category":"日用品"}]}`
	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/master", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"added":1}`, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/master", nil))
	var list struct {
		Entries []master.Entry `json:"entries"`
	}
	decode(t, rec, &list)
	assert.Equal(t, []master.Entry{{Keyword: "スーパー", Category: "食費"}}, list.Entries)

	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/master/bootstrap", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClassifyReceipt_NoClassifier(t *testing.T) {
	s := newServer(t, true)
	rec := s.do(uploadRequest(t, "/api/receipts/classify", map[string]string{"mode": "split"}, "image", map[string]string{"r.jpg": "\xff\xd8"}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(uploadRequest(t, "/api/receipts/classify", map[string]string{"mode": "weird"}, "image", map[string]string{"r.jpg": "\xff\xd8"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newServer(t, true)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
