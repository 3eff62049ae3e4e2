package discord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/relaydesk/imgateway/internal/channel"
)

// Discord attaches files to the message itself, so UploadMedia only checks
// the file and records its path; SendMedia performs the multipart upload.
func (a *Adapter) UploadMedia(_ context.Context, _ channel.ChannelConfig, localPath string, mediaType channel.MarkerType, name string) (channel.MediaRef, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return channel.MediaRef{}, fmt.Errorf("discord upload: %w", err)
	}
	if info.IsDir() {
		return channel.MediaRef{}, fmt.Errorf("discord upload: %s is a directory", localPath)
	}
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(localPath)
	}
	return channel.MediaRef{
		Platform: Type,
		Key:      localPath,
		Type:     mediaType,
		Name:     name,
		Path:     localPath,
	}, nil
}

func (a *Adapter) SendMedia(ctx context.Context, cfg channel.ChannelConfig, target channel.Target, ref channel.MediaRef) error {
	session, channelID, err := a.resolve(cfg, target)
	if err != nil {
		return err
	}
	f, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("discord send media: %w", err)
	}
	defer f.Close()

	name := ref.Name
	if filepath.Ext(name) == "" {
		name += filepath.Ext(ref.Path)
	}
	_, err = session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Files: []*discordgo.File{{
			Name:        name,
			ContentType: channel.DetectMime(ref.Path),
			Reader:      f,
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send media: %w", err)
	}
	return nil
}

func (a *Adapter) DownloadMedia(ctx context.Context, _ channel.ChannelConfig, desc channel.MediaDescriptor) (channel.DownloadedMedia, error) {
	if a.media == nil {
		return channel.DownloadedMedia{}, channel.ErrMediaUnsupported
	}
	if strings.TrimSpace(desc.URL) == "" {
		return channel.DownloadedMedia{}, fmt.Errorf("discord attachment %s has no url", desc.Key)
	}
	return a.media.Fetch(ctx, Type, desc.URL, nil)
}
