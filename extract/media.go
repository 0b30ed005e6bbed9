package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
)

// AudioExtractor pulls the audio track out of video files so only audio
// travels to the transcription service.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, video []byte, ext string) ([]byte, error)
}

// FFmpegExtractor runs ffprobe/ffmpeg from PATH.
type FFmpegExtractor struct {
	log *logrus.Entry
}

var _ AudioExtractor = (*FFmpegExtractor)(nil)

func NewFFmpegExtractor(logger *logrus.Logger) *FFmpegExtractor {
	return &FFmpegExtractor{log: logger.WithField("component", "ffmpeg")}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// HasAudioTrack probes a media file for at least one audio stream.
func (f *FFmpegExtractor) HasAudioTrack(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "a",
		path)
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return false, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return len(probe.Streams) > 0, nil
}

// ExtractAudio writes the video to a scratch file, verifies it carries an
// audio track and transcodes that track to MP3. A video without audio is a
// permanent failure, not a transient one.
func (f *FFmpegExtractor) ExtractAudio(ctx context.Context, video []byte, ext string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "docpipe-media-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input."+ext)
	outPath := filepath.Join(dir, "audio.mp3")
	if err := os.WriteFile(inPath, video, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write scratch file: %w", err)
	}

	hasAudio, err := f.HasAudioTrack(ctx, inPath)
	if err != nil {
		return nil, err
	}
	if !hasAudio {
		return nil, common.NewValueError("video has no audio track")
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", inPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "2",
		"-y",
		outPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, stderr.String())
	}

	audio, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted audio: %w", err)
	}

	f.log.WithFields(logrus.Fields{
		"video_size": humanize.Bytes(uint64(len(video))),
		"audio_size": humanize.Bytes(uint64(len(audio))),
	}).Info("Extracted audio track")
	return audio, nil
}
