//go:build tinygo

package ota

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

// ROM table code macro - creates 16-bit code from two characters
#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_REBOOT                 ROM_TABLE_CODE('R', 'B')
#define ROM_FUNC_EXPLICIT_BUY           ROM_TABLE_CODE('E', 'B')
#define ROM_FUNC_GET_SYS_INFO           ROM_TABLE_CODE('G', 'S')
#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

#define RT_FLAG_FUNC_ARM_SEC 0x0004

#define REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100

#define SYS_INFO_BOOT_INFO 0x0040

#define XIP_BASE               0x10000000
#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*rom_explicit_buy_fn)(uint8_t *buffer, uint32_t buffer_size);
typedef int (*rom_get_sys_info_fn)(uint32_t *out_buffer, uint32_t out_buffer_word_size, uint32_t flags);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

// TinyGo on RP2350 runs in Secure state (no TrustZone configured).
__attribute__((always_inline))
static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

static int last_reboot_result = 0;

static int ota_confirm_partition(void) {
    rom_explicit_buy_fn func = (rom_explicit_buy_fn) rom_func_lookup_inline(ROM_FUNC_EXPLICIT_BUY);
    if (!func) return -1;
    uint32_t workarea[64];
    return func((uint8_t*)workarea, sizeof(workarea));
}

// ota_reboot_to_offset reboots into the partition starting at flash_offset.
// Per RP2350 datasheet 5.4.8.24, FLASH_UPDATE takes the XIP address of the
// updated region in p0.
static void ota_reboot_to_offset(uint32_t flash_offset) {
    rom_reboot_fn func = (rom_reboot_fn) rom_func_lookup_inline(ROM_FUNC_REBOOT);
    if (!func) {
        last_reboot_result = -1;
        return;
    }
    last_reboot_result = func(
        REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE | REBOOT2_FLAG_NO_RETURN_ON_SUCCESS,
        1000, XIP_BASE + flash_offset, 0);
    if (last_reboot_result == 0) {
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while(1) { __asm__("wfi"); }
    }
}

static int ota_get_reboot_result(void) {
    return last_reboot_result;
}

// Watchdog CTRL TRIGGER forces an immediate reset (RP2350 datasheet 12.9).
static void ota_reboot_normal(void) {
    *(volatile uint32_t*)(0x400d8000) = (1u << 31);
    while(1) { __asm__("nop"); }
}

// Word 1 of BOOT_INFO is 0xttppbbdd where pp = boot partition (datasheet 5.4.8.17).
static int ota_get_current_partition(void) {
    rom_get_sys_info_fn func = (rom_get_sys_info_fn) rom_func_lookup_inline(ROM_FUNC_GET_SYS_INFO);
    if (!func) return 0;
    uint32_t buffer[5];
    if (func(buffer, 5, SYS_INFO_BOOT_INFO) < 0) return 0;
    if (!(buffer[0] & SYS_INFO_BOOT_INFO)) return 0;
    uint8_t partition = (buffer[1] >> 16) & 0xFF;
    if (partition == 0xFF) return 0;
    return (int)partition;
}

static int ota_flash_program(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    program(offset, data, len);
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

static int ota_flash_erase(uint32_t offset, uint32_t count) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    erase(offset, count, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}
*/
import "C"

// ROMFlash drives the on-board QSPI flash through the bootrom routines.
// It bypasses TinyGo's machine.Flash, which adds FlashDataStart() to every
// offset.
type ROMFlash struct {
	size uint32
}

// NewROMFlash returns the bootrom flash driver for a flash of size bytes.
func NewROMFlash(size uint32) *ROMFlash {
	return &ROMFlash{size: size}
}

// Size implements Flash.
func (f *ROMFlash) Size() uint32 { return f.size }

// EraseSector implements Flash.
func (f *ROMFlash) EraseSector(offset uint32) error {
	if offset%SectorSize != 0 {
		return ErrUnaligned
	}
	if offset > f.size-SectorSize {
		return ErrOutOfRange
	}
	if C.ota_flash_erase(C.uint32_t(offset), C.uint32_t(SectorSize)) != 0 {
		return ErrFlashEraseFailed
	}
	return nil
}

// Program implements Flash. The bootrom programs whole pages, so offset and
// len(data) must be page aligned.
func (f *ROMFlash) Program(offset uint32, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if offset%PageSize != 0 || len(data)%PageSize != 0 {
		return 0, ErrUnaligned
	}
	if uint64(offset)+uint64(len(data)) > uint64(f.size) {
		return 0, ErrOutOfRange
	}
	if C.ota_flash_program(C.uint32_t(offset), (*C.uint8_t)(&data[0]), C.uint32_t(len(data))) != 0 {
		return 0, ErrFlashWriteFailed
	}
	return len(data), nil
}

// ConfirmPartition confirms the current partition (TBYB).
// Must be called within 16.7s of boot or bootrom auto-reverts to the previous
// partition. Safe to call when no trial boot is pending.
func ConfirmPartition() error {
	if C.ota_confirm_partition() != 0 {
		return ErrConfirmFailed
	}
	return nil
}

// CurrentPartition returns which partition we booted from.
func CurrentPartition() int {
	return int(C.ota_get_current_partition())
}

// shutdownFunc is called before reboot to quiesce the radio.
var shutdownFunc func()

// SetShutdown registers a function to call before any reboot.
func SetShutdown(fn func()) {
	shutdownFunc = fn
}

// RebootToRegion reboots into the image stored at r. It only returns on
// failure.
func RebootToRegion(r Region) error {
	if shutdownFunc != nil {
		shutdownFunc()
	}
	C.ota_reboot_to_offset(C.uint32_t(r.Offset))
	if code := int(C.ota_get_reboot_result()); code != 0 {
		return ErrRebootFailed
	}
	return nil
}

// Reboot performs a normal watchdog reset. Does not return.
func Reboot() {
	if shutdownFunc != nil {
		shutdownFunc()
	}
	C.ota_reboot_normal()
}
