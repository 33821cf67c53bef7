package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/couchpull/model"
	"github.com/c0deZ3R0/couchpull/storage"
)

type docLine struct {
	ID          string                        `json:"_id"`
	Rev         string                        `json:"_rev"`
	Body        map[string]any                `json:"body"`
	Attachments map[string]storage.Attachment `json:"_attachments,omitempty"`
}

func newDocsCmd(sf *sourceFlags) *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "docs [id...]",
		Short: "Print replicated documents as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sf.resolveConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger := initLogging(cfg, cmd).Logger

			st, err := openStores(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			repo := model.NewRepository[map[string]any](st.target)
			if docType != "" {
				repo = model.NewTypedRepository[map[string]any](st.target, docType)
			}

			var docs []model.Entity[map[string]any]
			if len(args) == 0 {
				docs, err = repo.All(cmd.Context())
				if err != nil {
					return err
				}
			}
			for _, id := range args {
				e, err := repo.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				docs = append(docs, *e)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range docs {
				if err := enc.Encode(docLine{ID: e.ID, Rev: e.Rev, Body: e.Value, Attachments: e.Attachments}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "Only documents whose \"type\" property matches")
	return cmd
}
