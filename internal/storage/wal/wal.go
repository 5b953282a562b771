package wal

// ============================================================================
// WAL 核心實作（事件日誌）
// 職責：
// 1. 追加 job 事件或 job 快照到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以重建事件索引
// 3. 確保寫入持久性與資料完整性（CRC32 + 可選 fsync）
// 4. 崩潰時截斷未寫完的尾端紀錄
// 5. 壓縮後清空日誌（Reset）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// maxRecordSize bounds a single journal line.
const maxRecordSize = 4 << 20

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	path         string        // WAL 檔案路徑
	seq          uint64        // 最後一筆成功寫入的序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描全部紀錄取得最後 seq 並繼續
- 最後一行不完整（寫到一半崩潰）時截斷該行
- 中間紀錄損毀時回傳 *CorruptionError
*/
func Open(path string, syncOnAppend bool) (*WAL, error) {
	lastSeq, goodSize, err := scan(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > goodSize {
		if err := file.Truncate(goodSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          lastSeq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 計算下一個 seq 與 checksum
// - 單次 Write 寫入整行，必要時 fsync
// - 寫入失敗時不消耗 seq
func (w *WAL) Append(ev types.Event) (uint64, error) {
	return w.appendPayload(ev)
}

// AppendJob 追加一筆 job 快照（job 日誌用，重放時以最後一筆為準）
func (w *WAL) AppendJob(job types.Job) (uint64, error) {
	return w.appendPayload(job)
}

// Reset 清空日誌並把 seq 歸零
//
// 只在內容已經寫進別處（例如快照）之後呼叫。
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before reset: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reset %s: %w", w.path, err)
	}
	w.file = file
	w.seq = 0
	return nil
}

func (w *WAL) appendPayload(v any) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	seq := w.seq + 1
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("wal: encode payload: %w", err)
	}
	line, err := json.Marshal(Record{Seq: seq, Payload: payload, Checksum: CalculateChecksum(seq, payload)})
	if err != nil {
		return 0, fmt.Errorf("wal: encode record: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return 0, fmt.Errorf("wal: append seq=%d: %w", seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}

	w.seq = seq
	return seq, nil
}

// Replay 重放所有 WAL 紀錄
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每筆紀錄的 checksum
// - 呼叫 handler 套用紀錄，handler 回傳錯誤時立即停止
func (w *WAL) Replay(handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	var offset int64
	var last uint64
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, readErr := readLine(reader)
		if len(line) > 0 {
			if readErr == io.EOF {
				// torn tail already truncated on Open, nothing else can leave a partial line
				return &CorruptionError{Seq: last, Offset: offset, Cause: io.ErrUnexpectedEOF}
			}
			rec, err := decode(line)
			if err != nil {
				return &CorruptionError{Seq: last, Offset: offset, Cause: err}
			}
			if err := handler(rec); err != nil {
				return err
			}
			last = rec.Seq
			offset += int64(len(line)) + 1
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// LastSeq 取得最後一筆成功寫入的序號
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳檔案路徑（用於測試與除錯）
func (w *WAL) Path() string {
	return w.path
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// scan 讀取既有檔案，回傳最後的 seq 與完整紀錄所佔的位元組數
func scan(path string) (uint64, int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer file.Close()

	var good int64
	var last uint64
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, readErr := readLine(reader)
		if len(line) > 0 {
			if readErr == io.EOF {
				// 沒有換行結尾：寫到一半崩潰，交給 Open 截斷
				return last, good, nil
			}
			rec, err := decode(line)
			if err != nil {
				return 0, 0, &CorruptionError{Seq: last, Offset: good, Cause: err}
			}
			last = rec.Seq
			good += int64(len(line)) + 1
		}
		if readErr == io.EOF {
			return last, good, nil
		}
		if readErr != nil {
			return 0, 0, readErr
		}
	}
}

// readLine 讀取一行（不含換行）；最後一行沒有換行時回傳 io.EOF 與內容
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := r.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > maxRecordSize {
			return nil, fmt.Errorf("wal: record exceeds %d bytes", maxRecordSize)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		line := buf.Bytes()
		if err == nil {
			return line[:len(line)-1], nil
		}
		return line, err
	}
}

func decode(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, err
	}
	if expected := CalculateChecksum(rec.Seq, rec.Payload); rec.Checksum != expected {
		return rec, &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return rec, nil
}
