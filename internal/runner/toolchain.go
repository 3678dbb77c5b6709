// SPDX-License-Identifier: MIT

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/log"
)

// Toolchain capabilities.
const (
	CapProbe        = "probe"
	CapExtractAudio = "extract_audio"
	CapMux          = "mux"
	CapTranscode    = "transcode"
)

// FFmpegToolchain shells out to ffmpeg/ffprobe. Capabilities are detected
// once at construction; calls against a missing binary fail UNAVAILABLE.
type FFmpegToolchain struct {
	ffmpeg  string
	ffprobe string
	logger  zerolog.Logger
}

// NewFFmpegToolchain probes PATH for ffmpeg and ffprobe. A missing binary is
// not an error here; the corresponding capabilities just report false.
func NewFFmpegToolchain() *FFmpegToolchain {
	tc := &FFmpegToolchain{logger: log.WithComponent("toolchain")}
	if p, err := exec.LookPath("ffmpeg"); err == nil {
		tc.ffmpeg = p
	}
	if p, err := exec.LookPath("ffprobe"); err == nil {
		tc.ffprobe = p
	}
	tc.logger.Info().
		Bool("ffmpeg", tc.ffmpeg != "").
		Bool("ffprobe", tc.ffprobe != "").
		Msg("media toolchain detected")
	return tc
}

// Can reports whether the named capability is present.
func (tc *FFmpegToolchain) Can(capability string) bool {
	switch capability {
	case CapProbe:
		return tc.ffprobe != ""
	case CapExtractAudio, CapMux, CapTranscode:
		return tc.ffmpeg != ""
	default:
		return false
	}
}

// Probe returns container metadata via ffprobe's JSON output.
func (tc *FFmpegToolchain) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if tc.ffprobe == "" {
		return nil, errdef.Unavailable(CapProbe)
	}
	out, err := tc.run(ctx, tc.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path)
	if err != nil {
		return nil, errdef.ToolchainFailed("probe", err)
	}

	var doc struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, errdef.ToolchainFailed("probe: parse output", err)
	}

	res := &ProbeResult{}
	res.DurationS, _ = strconv.ParseFloat(doc.Format.Duration, 64)
	for _, s := range doc.Streams {
		switch s.CodecType {
		case "video":
			if res.VideoCodec == "" {
				res.VideoCodec = s.CodecName
				res.Width, res.Height = s.Width, s.Height
			}
		case "audio":
			res.AudioStreams++
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
			}
		}
	}
	return res, nil
}

// ExtractAudio demuxes the first audio track to 16 kHz mono PCM, the input
// format the transcription stage expects.
func (tc *FFmpegToolchain) ExtractAudio(ctx context.Context, videoPath, wavPath string) error {
	if tc.ffmpeg == "" {
		return errdef.Unavailable(CapExtractAudio)
	}
	_, err := tc.run(ctx, tc.ffmpeg,
		"-y", "-i", videoPath,
		"-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1",
		wavPath)
	if err != nil {
		return errdef.ToolchainFailed("extract_audio", err)
	}
	return nil
}

// Mux combines the original video, the dubbed audio and optional subtitles
// into an MKV without re-encoding the video stream.
func (tc *FFmpegToolchain) Mux(ctx context.Context, videoPath, audioPath, subsPath, outPath string) error {
	if tc.ffmpeg == "" {
		return errdef.Unavailable(CapMux)
	}
	args := []string{"-y", "-i", videoPath, "-i", audioPath}
	if subsPath != "" {
		args = append(args, "-i", subsPath)
	}
	args = append(args, "-map", "0:v:0", "-map", "1:a:0")
	if subsPath != "" {
		args = append(args, "-map", "2:s:0")
	}
	args = append(args, "-c:v", "copy", "-c:a", "aac", outPath)
	if _, err := tc.run(ctx, tc.ffmpeg, args...); err != nil {
		return errdef.ToolchainFailed("mux", err)
	}
	return nil
}

// Transcode runs a caller-assembled ffmpeg invocation between two paths.
func (tc *FFmpegToolchain) Transcode(ctx context.Context, inPath, outPath string, args []string) error {
	if tc.ffmpeg == "" {
		return errdef.Unavailable(CapTranscode)
	}
	full := append([]string{"-y", "-i", inPath}, args...)
	full = append(full, outPath)
	if _, err := tc.run(ctx, tc.ffmpeg, full...); err != nil {
		return errdef.ToolchainFailed("transcode", err)
	}
	return nil
}

func (tc *FFmpegToolchain) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tc.logger.Error().
			Str("bin", bin).
			Str("stderr", tail(stderr.String(), 512)).
			Err(err).
			Msg("toolchain command failed")
		return nil, err
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// NullEmbedder is the embedder used when no speaker model is installed.
type NullEmbedder struct{}

func (NullEmbedder) Available() bool { return false }

func (NullEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errdef.Unavailable("speaker_embedding")
}

var (
	_ Toolchain = (*FFmpegToolchain)(nil)
	_ Embedder  = NullEmbedder{}
)
