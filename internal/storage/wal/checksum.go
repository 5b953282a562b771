package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 涵蓋 seq 與事件編碼後的原始位元組，
// 任何欄位被竄改或截斷都會導致不一致。
func CalculateChecksum(seq uint64, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(rec Record) bool {
	return rec.Checksum == CalculateChecksum(rec.Seq, rec.Payload)
}
