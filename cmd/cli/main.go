// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main contains cli main function to run the cli.
package main

import (
	"log"

	"github.com/absmach/certs-agent/cli"
	"github.com/spf13/cobra"
)

func main() {
	conf := cli.Config{}

	// Root
	rootCmd := &cobra.Command{
		Use: "agent-cli",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			cliConf, err := cli.ParseConfig(conf)
			if err != nil {
				log.Fatalf("Failed to parse config: %s", err)
			}
			cli.SetConfig(cliConf)
		},
	}

	// API commands
	certCmd := cli.NewCertCmd()
	crlCmd := cli.NewCRLCmd()
	estCmd := cli.NewESTCmd()

	// Root Commands
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(crlCmd)
	rootCmd.AddCommand(estCmd)

	rootCmd.PersistentFlags().StringVarP(
		&conf.PKIURL,
		"pki-url",
		"s",
		conf.PKIURL,
		"PKI service URL",
	)

	rootCmd.PersistentFlags().StringVarP(
		&conf.Provisioner,
		"provisioner",
		"p",
		conf.Provisioner,
		"Provisioner name",
	)

	rootCmd.PersistentFlags().StringVarP(
		&conf.CRLURL,
		"crl-url",
		"u",
		conf.CRLURL,
		"CRL distribution point URL",
	)

	rootCmd.PersistentFlags().StringVarP(
		&conf.CRLCachePath,
		"crl-cache",
		"d",
		conf.CRLCachePath,
		"CRL cache file path",
	)

	rootCmd.PersistentFlags().BoolVarP(
		&conf.TLSVerification,
		"insecure",
		"i",
		conf.TLSVerification,
		"Do not check for TLS cert",
	)

	rootCmd.PersistentFlags().StringVarP(
		&cli.ConfigPath,
		"config",
		"c",
		cli.ConfigPath,
		"Config path",
	)

	rootCmd.PersistentFlags().BoolVarP(
		&cli.RawOutput,
		"raw",
		"r",
		cli.RawOutput,
		"Enables raw output mode for easier parsing of output",
	)

	rootCmd.PersistentFlags().BoolVarP(
		&conf.CurlFlag,
		"curl",
		"x",
		false,
		"Convert HTTP request to cURL command",
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
