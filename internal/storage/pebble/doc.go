// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// indexed batches, prefix scans and minimal metrics hooks. It is the
// durable layer under internal/store.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewIndexedBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
//
//	_ = db.ScanPrefix([]byte("k"), func(k, v []byte) error { return nil })
package pebblestore
