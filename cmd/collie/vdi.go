package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/collie-store/collie/pkg/client"
	"github.com/collie-store/collie/pkg/types"
)

func newVDICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vdi",
		Short: "Virtual disk image operations",
	}

	var copies uint8
	create := &cobra.Command{
		Use:   "create NAME SIZE",
		Short: "Create an empty VDI (size like 10G)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := humanize.ParseBytes(args[1])
			if err != nil {
				return fmt.Errorf("parsing size: %w", err)
			}
			ctx, cancel := clientCtx()
			defer cancel()
			vid, err := client.New(nodeAddr).CreateVDI(ctx, args[0], size, copies)
			if err != nil {
				return err
			}
			fmt.Printf("%s: vid %06x\n", args[0], uint32(vid))
			return nil
		},
	}
	create.Flags().Uint8VarP(&copies, "copies", "c", 0, "replica count (default: cluster setting)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List VDIs and snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			c := client.New(nodeAddr)
			vids, err := c.ListVDIs(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-24s %-8s %-10s %-10s %s\n", "Name", "Tag", "VID", "Size", "Created")
			for _, vid := range vids {
				inode, err := c.ReadInode(ctx, vid)
				if err != nil {
					continue
				}
				tag := inode.Tag
				if !inode.IsSnapshot() {
					tag = "-"
				}
				fmt.Printf("%-24s %-8s %06x     %-10s %s\n",
					inode.Name, tag, uint32(inode.VID),
					humanize.IBytes(inode.Size),
					time.Unix(0, inode.CreatedAt).Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	var snapTag string
	snapshot := &cobra.Command{
		Use:   "snapshot NAME",
		Short: "Freeze the working VDI under a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapTag == "" {
				return fmt.Errorf("--snapshot tag is required")
			}
			ctx, cancel := clientCtx()
			defer cancel()
			vid, err := client.New(nodeAddr).SnapshotVDI(ctx, args[0], snapTag)
			if err != nil {
				return err
			}
			fmt.Printf("%s@%s: new working vid %06x\n", args[0], snapTag, uint32(vid))
			return nil
		},
	}
	snapshot.Flags().StringVarP(&snapTag, "snapshot", "s", "", "snapshot tag")

	var cloneTag string
	clone := &cobra.Command{
		Use:   "clone SRC DST",
		Short: "Create a writable VDI from a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cloneTag == "" {
				return fmt.Errorf("--snapshot tag is required; cloning a working vdi is not allowed")
			}
			ctx, cancel := clientCtx()
			defer cancel()
			vid, err := client.New(nodeAddr).CloneVDI(ctx, args[0], cloneTag, 0, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s: vid %06x\n", args[1], uint32(vid))
			return nil
		},
	}
	clone.Flags().StringVarP(&cloneTag, "snapshot", "s", "", "source snapshot tag")

	var delTag string
	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a VDI or one of its snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			return client.New(nodeAddr).DeleteVDI(ctx, args[0], delTag, 0)
		},
	}
	del.Flags().StringVarP(&delTag, "snapshot", "s", "", "snapshot tag")

	var (
		readOff string
		readLen string
	)
	read := &cobra.Command{
		Use:   "read NAME",
		Short: "Read VDI data to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			v, err := client.New(nodeAddr).OpenVDI(ctx, args[0], "")
			if err != nil {
				return err
			}
			defer v.Close()

			off, length := uint64(0), v.Size()
			if readOff != "" {
				if off, err = humanize.ParseBytes(readOff); err != nil {
					return fmt.Errorf("parsing offset: %w", err)
				}
			}
			if readLen != "" {
				if length, err = humanize.ParseBytes(readLen); err != nil {
					return fmt.Errorf("parsing length: %w", err)
				}
			}

			buf := make([]byte, types.ObjectSize)
			for length > 0 {
				n := uint64(len(buf))
				if n > length {
					n = length
				}
				if _, err := v.ReadAt(buf[:n], int64(off)); err != nil {
					return err
				}
				if _, err := os.Stdout.Write(buf[:n]); err != nil {
					return err
				}
				off += n
				length -= n
			}
			return nil
		},
	}
	read.Flags().StringVar(&readOff, "offset", "", "start offset")
	read.Flags().StringVar(&readLen, "length", "", "bytes to read (default: whole vdi)")

	var writeOff string
	write := &cobra.Command{
		Use:   "write NAME",
		Short: "Write stdin into a VDI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			v, err := client.New(nodeAddr).OpenVDI(ctx, args[0], "")
			if err != nil {
				return err
			}
			defer v.Close()

			off := uint64(0)
			if writeOff != "" {
				if off, err = humanize.ParseBytes(writeOff); err != nil {
					return fmt.Errorf("parsing offset: %w", err)
				}
			}

			buf := make([]byte, types.ObjectSize)
			for {
				n, rerr := io.ReadFull(os.Stdin, buf)
				if n > 0 {
					if _, err := v.WriteAt(buf[:n], int64(off)); err != nil {
						return err
					}
					off += uint64(n)
				}
				if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
					return nil
				}
				if rerr != nil {
					return rerr
				}
			}
		},
	}
	write.Flags().StringVar(&writeOff, "offset", "", "start offset")

	cmd.AddCommand(create, list, snapshot, clone, del, read, write)
	return cmd
}
