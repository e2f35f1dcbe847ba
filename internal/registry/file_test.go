package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "config", "grpc_services.json"))
	require.NoError(t, err)
	return s
}

func TestFileStore_RegisterAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	require.NoError(t, s.RegisterService(ctx, faceEmbedding()))

	got, err := s.GetServiceConfig(ctx, "face-embedding")
	require.NoError(t, err)
	assert.Equal(t, "localhost", got.Host)
	assert.Equal(t, 50061, got.Port)
	assert.Equal(t, map[string]MethodDescriptor{
		"Extract": {MethodName: "Extract", RequestTypeIdentifier: "ExtractRequest"},
	}, got.Methods)
}

func TestFileStore_NamesAreCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	d := faceEmbedding()
	d.Name = "Face-Embedding"
	require.NoError(t, s.RegisterService(ctx, d))

	got, err := s.GetServiceConfig(ctx, "FACE-EMBEDDING")
	require.NoError(t, err)
	assert.Equal(t, "face-embedding", got.Name)
}

func TestFileStore_GetUnknown(t *testing.T) {
	s := newTestFileStore(t)

	_, err := s.GetServiceConfig(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrServiceNotRegistered))
	assert.True(t, errors.Is(err, util.ErrNotRegistered))
}

func TestFileStore_RegisterMethod(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.RegisterService(ctx, faceEmbedding()))

	err := s.RegisterMethod(ctx, "face-embedding", MethodDescriptor{
		MethodName:            "Compare",
		RequestTypeIdentifier: "CompareRequest",
	})
	require.NoError(t, err)

	got, err := s.GetServiceConfig(ctx, "face-embedding")
	require.NoError(t, err)
	assert.Len(t, got.Methods, 2)
	assert.Equal(t, "CompareRequest", got.Methods["Compare"].RequestTypeIdentifier)
}

func TestFileStore_RegisterMethodUnknownServiceCreatesNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	err := s.RegisterMethod(ctx, "ghost", MethodDescriptor{MethodName: "M", RequestTypeIdentifier: "R"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrServiceNotRegistered))

	all, err := s.GetAllServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "no file should be written")
}

func TestFileStore_RegisterMethodValidates(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.RegisterService(ctx, faceEmbedding()))

	err := s.RegisterMethod(ctx, "face-embedding", MethodDescriptor{MethodName: "Compare"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrConfigInvalid))
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grpc_services.json")

	s1, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.RegisterService(ctx, faceEmbedding()))

	s2, err := NewFileStore(path)
	require.NoError(t, err)
	got, err := s2.GetServiceConfig(ctx, "face-embedding")
	require.NoError(t, err)
	assert.Equal(t, 50061, got.Port)
}

func TestFileStore_LoadNormalizesHandWrittenKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grpc_services.json")
	data := `{
  "Face-Embedding": {"host": "localhost", "port": 50061, "stub": "face.FaceStub",
    "methods": {"Extract": {"method": "Extract", "request_type": "face.ExtractRequest"}}},
  "OCR": {"host": "ocr", "port": 50062, "stub": "ocr.OcrStub"},
  "ocr": {"host": "ocr-2", "port": 50063, "stub": "ocr.OcrStub"}
}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	for _, name := range []string{"face-embedding", "Face-Embedding"} {
		got, err := s.GetServiceConfig(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, "face-embedding", got.Name)
		assert.Equal(t, 50061, got.Port)
		assert.Equal(t, "face.ExtractRequest", got.Methods["Extract"].RequestTypeIdentifier)
	}

	all, err := s.GetAllServices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "face-embedding")
	require.Contains(t, all, "ocr")
	assert.Equal(t, "ocr-2", all["ocr"].Host)

	require.NoError(t, s.RegisterMethod(ctx, "face-embedding",
		MethodDescriptor{MethodName: "Compare", RequestTypeIdentifier: "face.CompareRequest"}))
	got, err := s.GetServiceConfig(ctx, "Face-Embedding")
	require.NoError(t, err)
	assert.Len(t, got.Methods, 2)
}

func TestFileStore_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grpc_services.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	all, err := s.GetAllServices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFileStore_UsesEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env", "services.json")
	t.Setenv(FilePathEnv, path)

	s, err := NewFileStore("")
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())

	require.NoError(t, s.RegisterService(context.Background(), faceEmbedding()))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFileStore_SaveFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "grpc_services.json"))
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	// A regular file where the directory was makes every save fail.
	require.NoError(t, os.WriteFile(dir, nil, 0o600))
	t.Cleanup(func() { _ = os.Remove(dir) })

	err = s.RegisterService(ctx, faceEmbedding())
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrPersistence))

	_, err = s.GetServiceConfig(ctx, "face-embedding")
	assert.True(t, errors.Is(err, util.ErrServiceNotRegistered))
}

func TestFileStore_HeartbeatAndDeregister(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	assert.True(t, errors.Is(s.Heartbeat(ctx, "face-embedding"), util.ErrServiceNotRegistered))

	require.NoError(t, s.RegisterService(ctx, faceEmbedding()))
	assert.NoError(t, s.Heartbeat(ctx, "face-embedding"))

	require.NoError(t, s.Deregister(ctx, "face-embedding"))
	require.NoError(t, s.Deregister(ctx, "face-embedding"))

	_, err := s.GetServiceConfig(ctx, "face-embedding")
	assert.True(t, errors.Is(err, util.ErrServiceNotRegistered))
}

func TestFileStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.RegisterService(ctx, faceEmbedding()))

	got, err := s.GetServiceConfig(ctx, "face-embedding")
	require.NoError(t, err)
	got.Methods["Injected"] = MethodDescriptor{MethodName: "Injected", RequestTypeIdentifier: "X"}

	again, err := s.GetServiceConfig(ctx, "face-embedding")
	require.NoError(t, err)
	assert.NotContains(t, again.Methods, "Injected")
}

func TestFileStore_ConcurrentRegisterMethod(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.RegisterService(ctx, faceEmbedding()))

	var wg sync.WaitGroup
	for _, m := range []string{"A", "B", "C", "D", "E", "F"} {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			assert.NoError(t, s.RegisterMethod(ctx, "face-embedding", MethodDescriptor{
				MethodName:            m,
				RequestTypeIdentifier: m + "Request",
			}))
		}(m)
	}
	wg.Wait()

	reopened, err := NewFileStore(s.Path())
	require.NoError(t, err)
	got, err := reopened.GetServiceConfig(ctx, "face-embedding")
	require.NoError(t, err)
	assert.Len(t, got.Methods, 7)
}

func TestFileStore_WatchReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "grpc_services.json")
	watched, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, watched.Watch(ctx))

	writer, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, writer.RegisterService(ctx, faceEmbedding()))

	assert.Eventually(t, func() bool {
		_, err := watched.GetServiceConfig(ctx, "face-embedding")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}
