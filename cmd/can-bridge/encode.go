package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-can-bridge/internal/bridge"
	"github.com/kstaniek/go-can-bridge/internal/can"
)

func newEncodeCmd() *cobra.Command {
	var (
		mode, action string
		id, ctrlID   uint32
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print a checksummed control frame in cansend notation",
		Example: "  can-bridge encode --mode whitelist --action set_mode_add_id --id 0x200\n" +
			"  can-bridge encode --mode turn_off | xargs cansend can0",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := buildCommand(mode, action, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cansend(bridge.EncodeCommand(ctrlID, c)))
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Command mode (e.g. whitelist, passive, turn_on)")
	cmd.Flags().StringVar(&action, "action", "", "Action (set_mode, add_id, remove_id, clear_list, set_mode_and_clear, set_mode_add_id, confirm)")
	cmd.Flags().Uint32Var(&id, "id", 0, "Identifier for add/remove actions")
	cmd.Flags().Uint32Var(&ctrlID, "control-id", bridge.DefaultControlID, "Control identifier")
	_ = cmd.MarkFlagRequired("mode")
	return cmd
}

// buildCommand resolves names to a command. Without an action, TurnOn and
// TurnOff default to confirm and everything else to set_mode.
func buildCommand(mode, action string, id uint32) (bridge.Command, error) {
	m, err := bridge.ParseCommandMode(mode)
	if err != nil {
		return bridge.Command{}, err
	}
	a := bridge.ActSetMode
	if m == bridge.CmdTurnOn || m == bridge.CmdTurnOff {
		a = bridge.ActConfirm
	}
	if action != "" {
		if a, err = bridge.ParseAction(action); err != nil {
			return bridge.Command{}, err
		}
	}
	return bridge.Command{Mode: m, Action: a, ID: id}, nil
}

// cansend formats fr the way can-utils' cansend expects it.
func cansend(fr can.Frame) string {
	data := strings.ToUpper(hex.EncodeToString(fr.Payload()))
	if fr.Extended() {
		return fmt.Sprintf("%08X#%s", fr.ID(), data)
	}
	return fmt.Sprintf("%03X#%s", fr.ID(), data)
}
