package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/codec"
	"github.com/srg/blemgr/internal/lua"
	"github.com/srg/blemgr/pkg/config"
)

type decoderFlags struct {
	kind   string
	layout string
	script string
}

func (f *decoderFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "decoder", "", "Payload decoder (raw, layout, lua); overrides the config file")
	cmd.Flags().StringVar(&f.layout, "layout", "", "YAML field layout file (implies --decoder layout)")
	cmd.Flags().StringVar(&f.script, "script", "", "Lua decoder script (implies --decoder lua)")
}

// apply merges the flags into cfg.Decoder and revalidates cfg
func (f *decoderFlags) apply(cfg *config.Config) error {
	switch {
	case f.script != "":
		cfg.Decoder.Type = config.DecoderLua
		cfg.Decoder.Script = f.script
	case f.layout != "":
		cfg.Decoder.Type = config.DecoderLayout
		cfg.Decoder.Layout = nil
		cfg.Decoder.LayoutFile = f.layout
	}
	if f.kind != "" {
		cfg.Decoder.Type = f.kind
	}
	return cfg.Validate()
}

// buildDecoder creates the configured decoder; release frees its resources
func buildDecoder(dc config.DecoderConfig, logger *logrus.Logger) (dec codec.Decoder, release func(), err error) {
	release = func() {}
	switch dc.Type {
	case config.DecoderLayout:
		layout := dc.Layout
		if layout == nil {
			if layout, err = codec.LoadLayout(dc.LayoutFile); err != nil {
				return nil, release, err
			}
		}
		return layout, release, nil
	case config.DecoderLua:
		d, err := lua.LoadDecoderFile(dc.Script, logger)
		if err != nil {
			return nil, release, fmt.Errorf("failed to load decoder script: %w", err)
		}
		return d, d.Close, nil
	default:
		return codec.Raw{}, release, nil
	}
}
