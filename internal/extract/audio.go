package extract

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// deliveryFormats are containers the transcription provider accepts directly;
// anything else goes through ffmpeg first when available.
var deliveryFormats = map[string]bool{
	".mp3": true,
	".wav": true,
	".m4a": true,
}

// extractAudio transcribes speech audio. The pipeline is: optional container
// conversion, hard size cap, then transcription. A silent recording yields an
// empty transcript, which is a valid result rather than an error.
func (d *Dispatcher) extractAudio(ctx context.Context, path, fileName string) *Result {
	sourcePath := path
	if !deliveryFormats[strings.ToLower(filepath.Ext(path))] {
		if converted, err := d.convertToMP3(ctx, path); err != nil {
			// Conversion is best effort: without ffmpeg we hand the provider
			// the original container and let it decide.
			log.Printf("audio %s: conversion skipped: %v", fileName, err)
		} else {
			sourcePath = converted
			defer os.Remove(converted)
		}
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return failed(CategoryAudio, fmt.Sprintf("audio %q could not be read: %v", fileName, err))
	}
	if info.Size() > d.limits.AudioMaxBytes {
		return failed(CategoryAudio, fmt.Sprintf("audio %q is %d bytes, above the %d byte transcription limit", fileName, info.Size(), d.limits.AudioMaxBytes))
	}

	if d.transcriber == nil {
		return failed(CategoryAudio, fmt.Sprintf("audio %q could not be transcribed: no transcription provider configured", fileName))
	}

	transcript, err := d.transcriber.Transcribe(ctx, sourcePath)
	if err != nil {
		return failed(CategoryAudio, fmt.Sprintf("audio %q could not be transcribed: %v", fileName, err))
	}
	// Empty transcript means no detectable speech; still a successful result.
	return &Result{Category: CategoryAudio, Status: StatusOK, Text: strings.TrimSpace(transcript)}
}

// convertToMP3 shells out to ffmpeg, writing next to the source so the
// temp artifact shares its directory and cleanup path.
func (d *Dispatcher) convertToMP3(ctx context.Context, path string) (string, error) {
	ffmpeg := d.ffmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpeg); err != nil {
		return "", fmt.Errorf("ffmpeg not available: %w", err)
	}
	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".converted.mp3"
	cmd := exec.CommandContext(ctx, ffmpeg, "-y", "-i", path, "-vn", "-acodec", "libmp3lame", "-q:a", "4", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("ffmpeg: %v: %s", err, firstLine(string(output)))
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
