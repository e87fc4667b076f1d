//go:build linux || darwin
// +build linux darwin

/*
Copyright 2011 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"fat32fs.dev/pkg/clock"
	"fat32fs.dev/pkg/device"
	"fat32fs.dev/pkg/fat32"
	"fat32fs.dev/pkg/fatconfig"
	"fat32fs.dev/pkg/spawn"
)

var (
	debug       = flag.Bool("debug", false, "print FUSE protocol traffic.")
	readOnly    = flag.Bool("ro", false, "mount read-only.")
	cacheClusts = flag.Int("block-max-cache", 4096, "maximum cached data clusters.")
	cacheFat    = flag.Int("list-max-cache", 1024, "maximum cached FAT sectors.")
)

func usage() {
	fmt.Fprint(os.Stderr, "usage: fat32mount [opts] <mountpoint> <image-file>\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 2 {
		usage()
	}
	mountPoint, imagePath := flag.Arg(0), flag.Arg(1)

	f, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		log.Fatalf("opening image: %v", err)
	}
	defer f.Close()

	dev := device.NewFile(f, 512, 0)
	mgr, err := fat32.New(fatconfig.Obj{
		"list_max_dirty":         *cacheFat / 4,
		"list_max_cache":         *cacheFat,
		"block_max_dirty":        *cacheClusts / 4,
		"block_max_cache":        *cacheClusts,
		"inode_target_free":      64,
		"fat_flush_concurrency":  4,
		"data_flush_concurrency": 4,
	})
	if err != nil {
		log.Fatalf("fat32.New: %v", err)
	}

	ctx := context.Background()
	if err := mgr.Init(ctx, dev, clock.Real{}); err != nil {
		log.Fatalf("mounting %s: %v", imagePath, err)
	}

	group := spawn.NewGroup(ctx)
	mgr.SpawnSyncTask(ctx, group)

	if *debug {
		fuse.Debug = func(msg interface{}) { log.Print(msg) }
	}

	opts := []fuse.MountOption{fuse.VolumeName(filepath.Base(mountPoint)), fuse.FSName("fat32fs")}
	if *readOnly {
		opts = append(opts, fuse.ReadOnly())
	}
	conn, err := fuse.Mount(mountPoint, opts...)
	if err != nil {
		log.Fatalf("Mount: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	doneServe := make(chan error, 1)
	go func() { doneServe <- fusefs.Serve(conn, &filesystem{mgr: mgr}) }()

	select {
	case err := <-doneServe:
		log.Printf("fuse Serve returned: %v", err)
		<-conn.Ready
		if conn.MountError != nil {
			log.Printf("mount error: %v", conn.MountError)
		}
	case sig := <-sigc:
		log.Printf("signal %s received, unmounting", sig)
	}

	if err := mgr.FlushAll(ctx); err != nil {
		log.Printf("final flush: %v", err)
	}
	time.AfterFunc(5*time.Second, func() { os.Exit(1) })
	if err := fuse.Unmount(mountPoint); err != nil {
		log.Printf("Unmount: %v", err)
	}
	log.Printf("fat32mount exiting.")
}
