package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/heimdex/scenesplit/internal/media"
)

func newDoctorCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that ffmpeg, ffprobe, yt-dlp and scenedetect are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := &app{cfg: g.cfg, logger: g.logger}
			caps := media.NewDoctor(a.tools(), g.logger).Refresh(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(caps); err != nil {
				return err
			}
			if !caps.CanProbe || !caps.CanDetect || !caps.CanSplit {
				return errors.New("required tools are missing")
			}
			return nil
		},
	}
}
