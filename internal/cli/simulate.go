package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePair      string
	simulateReference float64
	simulateMarket    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Simula una desviación de precio y dispara la alerta",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePair == "" {
			return errors.New("--pair es obligatorio")
		}
		if simulateReference <= 0 || simulateMarket <= 0 {
			return errors.New("--reference y --market deben ser mayores que 0")
		}

		reference := decimal.NewFromFloat(simulateReference)
		market := decimal.NewFromFloat(simulateMarket)
		return getApp().SimulateAlert(cmd.Context(), simulatePair, reference, market)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "Par de divisas, p.ej. USD/COP")
	simulateCmd.Flags().Float64Var(&simulateReference, "reference", 0, "Tasa de referencia oficial")
	simulateCmd.Flags().Float64Var(&simulateMarket, "market", 0, "Tasa del mercado P2P")
}
