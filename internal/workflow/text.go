package workflow

import (
	"errors"
	"fmt"
	"time"

	"mediabot/internal/domain"
)

const threadFallbackText = "⚠️ Could not create a thread, posting here instead."

func promptText(item domain.ContentItem) string {
	switch item.Kind {
	case domain.KindPDF:
		return "Choose an option for this PDF:"
	case domain.KindDOCX:
		return "Choose an option for this DOCX:"
	case domain.KindImageBatch:
		return fmt.Sprintf("Choose an option for these %d images:", len(item.Attachments))
	case domain.KindVideo:
		return fmt.Sprintf("Video: %s (%.2fMB)\nChoose where to post the watermarked version:", item.Name, item.SizeMB())
	case domain.KindYouTube:
		title := item.Name
		if title == "" {
			title = item.URL
		}
		return fmt.Sprintf("Video: %s\nChoose an option:", title)
	case domain.KindReferral:
		return "Choose an option for this link:"
	}
	return "Choose an option:"
}

func convertingText(item domain.ContentItem) string {
	switch item.Kind {
	case domain.KindPDF:
		return "Converting PDF to images..."
	case domain.KindDOCX:
		return "Converting DOCX to images..."
	case domain.KindVideo:
		return "Processing video..."
	case domain.KindImageBatch:
		return "Preparing images..."
	}
	return "Fetching link preview..."
}

// failureText renders err for the status message, cut to limit runes.
func failureText(kind domain.ContentKind, err error, limit int) string {
	var te *domain.TimeoutError
	switch {
	case errors.As(err, &te):
		return fmt.Sprintf("⏱️ %s conversion timed out after %s.", kind.Label(), humanDuration(te.Limit))
	case errors.Is(err, domain.ErrEmptyResult):
		return fmt.Sprintf("❌ Error processing %s: conversion failed / empty document", kind.Label())
	case errors.Is(err, domain.ErrForbidden):
		return truncateRunes(fmt.Sprintf("⚠️ Missing permissions to process this %s: %v", kind.Label(), err), limit)
	}
	return truncateRunes(fmt.Sprintf("❌ Error processing %s: %v", kind.Label(), err), limit)
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
