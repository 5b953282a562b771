package controller

import (
	"github.com/ChuLiYu/docflow/pkg/types"
)

// lifecycleMessage 生命週期事件的可讀訊息
func lifecycleMessage(job types.Job) string {
	switch job.Status {
	case types.StatusQueued:
		return "job accepted"
	case types.StatusProcessing:
		return "conversion started"
	case types.StatusCompleted:
		return "conversion completed"
	}
	if job.Error != nil && job.Error.Message != "" {
		return job.Error.Message
	}
	return "job " + string(job.Status)
}

// lifecycleDetails 生命週期事件的結構化內容
//
// 失敗類終止事件一定帶 category，讓輪詢與即時通道看到相同的分類。
func lifecycleDetails(job types.Job) map[string]any {
	switch job.Status {
	case types.StatusQueued:
		return map[string]any{
			"owner":         job.Owner,
			"filename":      job.Input.Filename,
			"size":          job.Input.Size,
			"pdfa_level":    job.Config.PdfaLevel,
			"ocr_enabled":   job.Config.OCREnabled,
			"ocr_languages": job.Config.OCRLanguages,
			"compression":   string(job.Config.Compression),
			"deadline":      job.Config.Deadline.String(),
		}
	case types.StatusProcessing:
		return map[string]any{
			"queued_for": job.StartedAt.Sub(job.CreatedAt).String(),
		}
	case types.StatusCompleted:
		if job.Result == nil {
			return nil
		}
		return map[string]any{
			"result_ref":      job.Result.OutputPath,
			"output_filename": job.Result.OutputFilename,
			"output_size":     job.Result.OutputSize,
			"tier":            job.Result.Tier,
			"pdfa_level":      job.Result.PdfaLevel,
			"ocr_applied":     job.Result.OCRApplied,
		}
	}

	details := map[string]any{}
	if job.Error != nil {
		details["category"] = string(job.Error.Category)
		details["reason"] = job.Error.Reason
		details["error"] = job.Error.Message
	}
	if job.CancelReason != "" {
		details["cancel_reason"] = string(job.CancelReason)
	}
	return details
}
